// Package book decides whether a trade is hedged with the LP (A-Book) or kept internal (B-Book).
package book

import (
	"context"
	"errors"
	"fmt"

	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidBook = errors.New("book must be A or B")

// Notifier announces A-Book membership changes to the LP.
type Notifier interface {
	UserAdded(ctx context.Context, userID uint)
	UserRemoved(ctx context.Context, userID uint)
}

type Router struct {
	db       *gorm.DB
	notifier Notifier
	logger   *zap.Logger
}

func NewRouter(db *gorm.DB, notifier Notifier, logger *zap.Logger) *Router {
	return &Router{db: db, notifier: notifier, logger: logger}
}

// BookFor returns the current assignment of a user. Unknown, blocked and banned users are B.
func (r *Router) BookFor(ctx context.Context, userID uint) (string, error) {
	return bookFor(r.db.WithContext(ctx), userID)
}

func bookFor(db *gorm.DB, userID uint) (string, error) {
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.BookB, nil
		}
		return "", err
	}
	if user.Blocked || user.Banned || user.Book != models.BookA {
		return models.BookB, nil
	}
	return models.BookA, nil
}

// Assign returns the book and initial LP sync status of a new trade of userID.
// It reads through tx so the ledger can stamp both in the transaction that
// creates the trade.
func (r *Router) Assign(tx *gorm.DB, userID uint) (string, string, error) {
	book, err := bookFor(tx, userID)
	if err != nil {
		return "", "", fmt.Errorf("failed to look up book for user %d: %w", userID, err)
	}
	if book == models.BookA {
		return book, models.SyncPending, nil
	}
	return book, models.SyncNotApplicable, nil
}

// Route stamps the book and initial LP sync status on a trade that has none.
// A trade that already carries a book keeps it.
func (r *Router) Route(ctx context.Context, trade *models.Trade) error {
	if trade.Book != "" {
		return nil
	}
	book, status, err := r.Assign(r.db.WithContext(ctx), trade.UserID)
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND (book IS NULL OR book = '')", trade.ID).
		Updates(map[string]interface{}{"book": book, "lp_sync_status": status})
	if res.Error != nil {
		return fmt.Errorf("failed to route trade %d: %w", trade.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var stored models.Trade
		if err := r.db.WithContext(ctx).Select("book", "lp_sync_status").First(&stored, trade.ID).Error; err != nil {
			return err
		}
		trade.Book, trade.LPSyncStatus = stored.Book, stored.LPSyncStatus
		return nil
	}
	trade.Book, trade.LPSyncStatus = book, status
	return nil
}

// Reassign changes the user's book for future trades. Existing trades keep theirs.
func (r *Router) Reassign(ctx context.Context, userID uint, book string) error {
	if book != models.BookA && book != models.BookB {
		return ErrInvalidBook
	}
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	previous := user.Book
	if previous == book {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&user).Update("book", book).Error; err != nil {
		return err
	}

	r.logger.Info("User book reassigned", zap.Uint("user_id", userID), zap.String("from", previous), zap.String("to", book))
	switch {
	case book == models.BookA:
		r.notifier.UserAdded(ctx, userID)
	case previous == models.BookA:
		r.notifier.UserRemoved(ctx, userID)
	}
	return nil
}
