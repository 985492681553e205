package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidOwner = errors.New("invalid_owner_id")

type Owner struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory is the owners table: a local mirror of identity-provider users.
type Directory struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger
}

func NewDirectory(db *gorm.DB, clk clock.Clock, log *zap.Logger) *Directory {
	return &Directory{
		db:    db,
		clock: clk,
		log:   log.Named("identity.directory"),
	}
}

// Upsert records the owner and reports whether this was the first sighting.
func (d *Directory) Upsert(ctx context.Context, ownerID, email string) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false, ErrInvalidOwner
	}
	email = strings.ToLower(strings.TrimSpace(email))
	now := d.clock.Now()

	insert := `INSERT INTO owners (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if d.db.Dialector.Name() == "mysql" {
		insert = `INSERT IGNORE INTO owners (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`
	} else {
		insert += ` ON CONFLICT (id) DO NOTHING`
	}

	res := d.db.WithContext(ctx).Exec(insert, ownerID, email, now, now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		d.log.Info("owner registered", zap.String("owner_id", ownerID))
		return true, nil
	}

	if email == "" {
		return false, nil
	}
	err := d.db.WithContext(ctx).Exec(
		`UPDATE owners SET email = ?, updated_at = ? WHERE id = ? AND email <> ?`,
		email, now, ownerID, email,
	).Error
	return false, err
}

func (d *Directory) Get(ctx context.Context, ownerID string) (*Owner, error) {
	var items []Owner
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, email, created_at, updated_at FROM owners WHERE id = ? LIMIT 1`,
		strings.TrimSpace(ownerID),
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// EmailFor returns "" when the owner is unknown.
func (d *Directory) EmailFor(ctx context.Context, ownerID string) (string, error) {
	owner, err := d.Get(ctx, ownerID)
	if err != nil || owner == nil {
		return "", err
	}
	return owner.Email, nil
}

// OwnerIDForEmail returns "" when no owner has that email.
func (d *Directory) OwnerIDForEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", nil
	}
	var ids []string
	err := d.db.WithContext(ctx).Raw(
		`SELECT id FROM owners WHERE email = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		email,
	).Scan(&ids).Error
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// ListPage returns one page of owners in (created_at, id) order and the
// token for the next page.
func (d *Directory) ListPage(ctx context.Context, pageToken string, pageSize int) ([]Owner, string, error) {
	after, err := pagination.DecodeCursor(pageToken)
	if err != nil {
		return nil, "", err
	}
	limit := pagination.NormalizePageSize(pageSize, 100, 1000)

	query := `SELECT id, email, created_at, updated_at FROM owners`
	args := []interface{}{}
	if after != nil {
		query += ` WHERE created_at > ? OR (created_at = ? AND id > ?)`
		args = append(args, after.CreatedAt.UTC(), after.CreatedAt.UTC(), after.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	var items []Owner
	if err := d.db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, "", err
	}

	page, info, err := pagination.BuildCursorPageInfo(items, limit, func(o Owner) pagination.Cursor {
		return pagination.Cursor{ID: o.ID, CreatedAt: o.CreatedAt}
	})
	if err != nil {
		return nil, "", err
	}
	return page, info.NextPageToken, nil
}

// Iterate walks every owner lazily, one page at a time.
func (d *Directory) Iterate(pageSize int, startToken string) *pagination.Iterator[Owner] {
	return pagination.NewIterator[Owner](d.ListPage, pageSize, startToken)
}
