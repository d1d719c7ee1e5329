package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

var (
	ErrItemNotFound     = errors.New("menu item not found")
	ErrItemUnavailable  = errors.New("menu item is not available")
	ErrModifierNotFound = errors.New("modifier option not found")
	ErrTooManyModifiers = errors.New("too many options selected for modifier group")
)

type ModifierChoice struct {
	GroupID    string `json:"group_id"`
	OptionName string `json:"option_name"`
}

// LineRequest is what the storefront sends: ids and choices, never prices.
type LineRequest struct {
	ItemID          string           `json:"item_id"`
	Quantity        int              `json:"quantity"`
	Modifiers       []ModifierChoice `json:"modifiers"`
	SpecialRequests string           `json:"special_requests"`
}

type Item struct {
	ID        string
	Name      string
	Price     d.Cents
	Available bool
}

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dbPath == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (r *Repository) GetItem(ctx context.Context, id string) (*Item, error) {
	var (
		item      Item
		available int
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, price_cents, available FROM menu_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Name, &item.Price, &available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query menu item: %w", err)
	}
	item.Available = available == 1
	return &item, nil
}

func (r *Repository) modifierPrice(ctx context.Context, itemID string, choice ModifierChoice) (d.Cents, int, error) {
	var (
		price     d.Cents
		maxSelect int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT o.price_cents, g.max_select
		FROM modifier_options o
		JOIN modifier_groups g ON g.id = o.group_id
		WHERE g.item_id = ? AND o.group_id = ? AND o.name = ?`,
		itemID, choice.GroupID, choice.OptionName,
	).Scan(&price, &maxSelect)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrModifierNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query modifier: %w", err)
	}
	return price, maxSelect, nil
}

// PriceLines resolves every requested line against the menu and returns cart
// lines carrying server-side prices.
func (r *Repository) PriceLines(ctx context.Context, lines []LineRequest) ([]d.CartLine, error) {
	out := make([]d.CartLine, 0, len(lines))
	for i, req := range lines {
		item, err := r.GetItem(ctx, req.ItemID)
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", i, req.ItemID, err)
		}
		if !item.Available {
			return nil, fmt.Errorf("line %d (%s): %w", i, req.ItemID, ErrItemUnavailable)
		}

		line := d.CartLine{
			ItemID:          item.ID,
			Name:            item.Name,
			UnitPrice:       item.Price,
			Quantity:        req.Quantity,
			SpecialRequests: req.SpecialRequests,
		}

		perGroup := make(map[string]int)
		for _, choice := range req.Modifiers {
			price, maxSelect, err := r.modifierPrice(ctx, item.ID, choice)
			if err != nil {
				return nil, fmt.Errorf("line %d (%s/%s): %w", i, choice.GroupID, choice.OptionName, err)
			}
			perGroup[choice.GroupID]++
			if perGroup[choice.GroupID] > maxSelect {
				return nil, fmt.Errorf("line %d (%s): %w", i, choice.GroupID, ErrTooManyModifiers)
			}
			line.SelectedModifiers = append(line.SelectedModifiers, d.SelectedModifier{
				GroupID:    choice.GroupID,
				OptionName: choice.OptionName,
				UnitPrice:  price,
			})
		}
		out = append(out, line)
	}
	return out, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
