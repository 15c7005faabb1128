package book

import (
	"context"
	"testing"

	"copy-signal-router/internal/dbtest"
	"copy-signal-router/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) UserAdded(ctx context.Context, userID uint)   { m.Called(ctx, userID) }
func (m *MockNotifier) UserRemoved(ctx context.Context, userID uint) { m.Called(ctx, userID) }

func setupTest(t *testing.T) (*Router, *MockNotifier, *gorm.DB) {
	db := dbtest.Open(t)
	users := []models.User{
		{Model: gorm.Model{ID: 1}, Email: "a@x", Book: models.BookA},
		{Model: gorm.Model{ID: 2}, Email: "b@x", Book: models.BookB},
		{Model: gorm.Model{ID: 3}, Email: "blocked@x", Book: models.BookA, Blocked: true},
		{Model: gorm.Model{ID: 4}, Email: "empty@x"},
	}
	require.NoError(t, db.Create(&users).Error)
	n := new(MockNotifier)
	return NewRouter(db, n, zap.NewNop()), n, db
}

func newTrade(t *testing.T, db *gorm.DB, userID uint) *models.Trade {
	trade := &models.Trade{TradingAccountID: userID * 10, UserID: userID, Symbol: "XAUUSD", Side: models.SideBuy, Quantity: 1, Status: models.TradeOpen}
	require.NoError(t, db.Create(trade).Error)
	return trade
}

func TestRoute(t *testing.T) {
	ctx := context.Background()
	r, _, db := setupTest(t)

	cases := []struct {
		name   string
		userID uint
		book   string
		status string
	}{
		{"ABookUser", 1, models.BookA, models.SyncPending},
		{"BBookUser", 2, models.BookB, models.SyncNotApplicable},
		{"BlockedUserAlwaysB", 3, models.BookB, models.SyncNotApplicable},
		{"EmptyAssignmentDefaultsB", 4, models.BookB, models.SyncNotApplicable},
		{"UnknownUserDefaultsB", 99, models.BookB, models.SyncNotApplicable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trade := newTrade(t, db, tc.userID)
			require.NoError(t, r.Route(ctx, trade))
			assert.Equal(t, tc.book, trade.Book)
			assert.Equal(t, tc.status, trade.LPSyncStatus)

			var stored models.Trade
			require.NoError(t, db.First(&stored, trade.ID).Error)
			assert.Equal(t, tc.book, stored.Book)
		})
	}
}

func TestAssignInTransaction(t *testing.T) {
	r, _, db := setupTest(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		book, status, err := r.Assign(tx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.BookA, book)
		assert.Equal(t, models.SyncPending, status)

		book, status, err = r.Assign(tx, 3)
		require.NoError(t, err)
		assert.Equal(t, models.BookB, book)
		assert.Equal(t, models.SyncNotApplicable, status)
		return nil
	})
	require.NoError(t, err)
}

func TestBookImmutableAfterOpen(t *testing.T) {
	ctx := context.Background()
	r, n, db := setupTest(t)
	n.On("UserRemoved", mock.Anything, uint(1)).Return()

	trade := newTrade(t, db, 1)
	require.NoError(t, r.Route(ctx, trade))
	require.Equal(t, models.BookA, trade.Book)

	require.NoError(t, r.Reassign(ctx, 1, models.BookB))

	// A stale copy without a book does not overwrite the stored assignment.
	stale := &models.Trade{Model: gorm.Model{ID: trade.ID}, UserID: 1}
	require.NoError(t, r.Route(ctx, stale))
	assert.Equal(t, models.BookA, stale.Book)

	var stored models.Trade
	require.NoError(t, db.First(&stored, trade.ID).Error)
	assert.Equal(t, models.BookA, stored.Book)

	// New trades follow the new assignment.
	fresh := newTrade(t, db, 1)
	require.NoError(t, r.Route(ctx, fresh))
	assert.Equal(t, models.BookB, fresh.Book)
	n.AssertExpectations(t)
}

func TestReassign(t *testing.T) {
	ctx := context.Background()

	t.Run("AddedEvent", func(t *testing.T) {
		r, n, _ := setupTest(t)
		n.On("UserAdded", mock.Anything, uint(2)).Return()
		require.NoError(t, r.Reassign(ctx, 2, models.BookA))
		n.AssertExpectations(t)
	})

	t.Run("NoChangeNoEvent", func(t *testing.T) {
		r, n, _ := setupTest(t)
		require.NoError(t, r.Reassign(ctx, 1, models.BookA))
		n.AssertNotCalled(t, "UserAdded", mock.Anything, mock.Anything)
	})

	t.Run("InvalidBook", func(t *testing.T) {
		r, _, _ := setupTest(t)
		assert.ErrorIs(t, r.Reassign(ctx, 1, "C"), ErrInvalidBook)
	})
}
