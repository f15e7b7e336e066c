package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const saleColumns = "id, sale_number, sale_date, customer, branch, status, total_amount, version, created_at, updated_at"

type saleRow struct {
	ID          string          `db:"id"`
	SaleNumber  string          `db:"sale_number"`
	SaleDate    time.Time       `db:"sale_date"`
	Customer    string          `db:"customer"`
	Branch      string          `db:"branch"`
	Status      string          `db:"status"`
	TotalAmount decimal.Decimal `db:"total_amount"`
	Version     int             `db:"version"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   sql.NullTime    `db:"updated_at"`
}

type saleItemRow struct {
	ID          string          `db:"id"`
	SaleID      string          `db:"sale_id"`
	Position    int             `db:"position"`
	Product     string          `db:"product"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Discount    decimal.Decimal `db:"discount"`
	TotalAmount decimal.Decimal `db:"total_amount"`
}

type saleRepository struct {
	db *sqlx.DB
}

// NewSaleRepository creates a new SaleRepository backed by a SQL database.
func NewSaleRepository(db *sqlx.DB) repository.SaleRepository {
	return &saleRepository{db: db}
}

func (r *saleRepository) Save(ctx context.Context, sale *entity.Sale) error {
	pending := sale.PendingEvents()
	expected := sale.GetVersion()
	// every save moves the version, even one that records no events, so a
	// writer holding a stale copy is always rejected
	next := expected + max(len(pending), 1)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var updatedAt any
	if ts := sale.UpdatedAt(); ts != nil {
		updatedAt = ts.UTC()
	}

	if expected == 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO sales ("+saleColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			sale.ID, sale.SaleNumber(), sale.SaleDate().UTC(), sale.Customer(), sale.Branch(),
			string(sale.Status()), sale.TotalAmount(), next, sale.CreatedAt().UTC(), updatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrSaleNumberTaken
			}
			return fmt.Errorf("failed to insert sale: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE sales SET sale_number = ?, sale_date = ?, customer = ?, branch = ?, status = ?,
			total_amount = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`),
			sale.SaleNumber(), sale.SaleDate().UTC(), sale.Customer(), sale.Branch(), string(sale.Status()),
			sale.TotalAmount(), next, updatedAt, sale.ID, expected,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrSaleNumberTaken
			}
			return fmt.Errorf("failed to update sale: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return repository.ErrConcurrentModification
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM sale_items WHERE sale_id = ?"), sale.ID); err != nil {
			return fmt.Errorf("failed to clear sale items: %w", err)
		}
	}

	for pos, item := range sale.Items() {
		_, err = tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO sale_items (id, sale_id, position, product, quantity, unit_price, discount, total_amount) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
			item.ID(), sale.ID, pos, item.Product(), item.Quantity(), item.UnitPrice(), item.Discount(), item.TotalAmount(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert sale item: %w", err)
		}
	}

	if err := appendEvents(ctx, tx, sale.ID, expected, pending); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	sale.MarkCommitted(next)
	return nil
}

func (r *saleRepository) FindByID(ctx context.Context, id string) (*entity.Sale, error) {
	return r.findOne(ctx, "id", id)
}

func (r *saleRepository) FindByNumber(ctx context.Context, saleNumber string) (*entity.Sale, error) {
	return r.findOne(ctx, "sale_number", saleNumber)
}

func (r *saleRepository) findOne(ctx context.Context, column, value string) (*entity.Sale, error) {
	var row saleRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+saleColumns+" FROM sales WHERE "+column+" = ?"), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sale: %w", err)
	}

	sales, err := r.hydrate(ctx, []saleRow{row})
	if err != nil {
		return nil, err
	}
	return sales[0], nil
}

func (r *saleRepository) List(ctx context.Context, filter repository.SaleFilter) (*repository.SalePage, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Customer != "" {
		where = append(where, "LOWER(customer) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Customer)+"%")
	}
	if filter.Branch != "" {
		where = append(where, "LOWER(branch) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Branch)+"%")
	}
	if filter.MinDate != nil {
		where = append(where, "sale_date >= ?")
		args = append(args, filter.MinDate.UTC())
	}
	if filter.MaxDate != nil {
		where = append(where, "sale_date <= ?")
		args = append(args, filter.MaxDate.UTC())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM sales"+clause), args...); err != nil {
		return nil, fmt.Errorf("failed to count sales: %w", err)
	}

	query := "SELECT " + saleColumns + " FROM sales" + clause + " ORDER BY " + orderClause(filter.Order) + " LIMIT ? OFFSET ?"
	args = append(args, filter.Size, (filter.Page-1)*filter.Size)

	var rows []saleRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}

	sales, err := r.hydrate(ctx, rows)
	if err != nil {
		return nil, err
	}

	return &repository.SalePage{
		Sales:       sales,
		TotalItems:  total,
		CurrentPage: filter.Page,
		TotalPages:  repository.TotalPages(total, filter.Size),
	}, nil
}

var orderColumns = map[string]string{
	repository.OrderSaleNumber:  "sale_number",
	repository.OrderSaleDate:    "sale_date",
	repository.OrderCustomer:    "customer",
	repository.OrderBranch:      "branch",
	repository.OrderTotalAmount: "total_amount",
	repository.OrderCreatedAt:   "created_at",
}

func orderClause(order string) string {
	var parts []string
	for _, f := range repository.ParseOrder(order) {
		term := orderColumns[f.Field]
		if f.Desc {
			term += " DESC"
		}
		parts = append(parts, term)
	}
	// stable paging
	parts = append(parts, "id")
	return strings.Join(parts, ", ")
}

// hydrate loads the items for the given rows with one query and rebuilds the
// aggregates.
func (r *saleRepository) hydrate(ctx context.Context, rows []saleRow) ([]*entity.Sale, error) {
	if len(rows) == 0 {
		return []*entity.Sale{}, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	query, args, err := sqlx.In(
		"SELECT id, sale_id, position, product, quantity, unit_price, discount, total_amount FROM sale_items WHERE sale_id IN (?) ORDER BY sale_id, position", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build item query: %w", err)
	}

	var itemRows []saleItemRow
	if err := r.db.SelectContext(ctx, &itemRows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query sale items: %w", err)
	}

	items := make(map[string][]*entity.SaleItem, len(rows))
	for _, ir := range itemRows {
		item, err := entity.RestoreSaleItem(ir.ID, ir.SaleID, ir.Product, ir.Quantity, ir.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to restore sale item %s: %w", ir.ID, err)
		}
		items[ir.SaleID] = append(items[ir.SaleID], item)
	}

	sales := make([]*entity.Sale, len(rows))
	for i, row := range rows {
		st := entity.SaleState{
			ID:         row.ID,
			Version:    row.Version,
			SaleNumber: row.SaleNumber,
			SaleDate:   row.SaleDate.UTC(),
			Customer:   row.Customer,
			Branch:     row.Branch,
			Status:     entity.SaleStatus(row.Status),
			CreatedAt:  row.CreatedAt.UTC(),
			Items:      items[row.ID],
		}
		if row.UpdatedAt.Valid {
			ts := row.UpdatedAt.Time.UTC()
			st.UpdatedAt = &ts
		}
		sales[i] = entity.RestoreSale(st)
	}
	return sales, nil
}
