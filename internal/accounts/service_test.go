package accounts

import (
	"context"
	"testing"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(repo store.Repository) (*Service, *events.Recorder) {
	rec := &events.Recorder{}
	svc := NewService(repo, clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), rec, nil, Defaults{
		InitialBalance: decimal.NewFromInt(100000),
		RiskProfile:    model.DefaultRiskProfile(),
	})
	return svc, rec
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, rec := newService(store.NewMemory())
	acc, err := svc.Create(context.Background(), "u1", CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "USD", acc.Currency)
	assert.True(t, acc.IsActive)
	assert.True(t, acc.CurrentBalance.Equal(decimal.NewFromInt(100000)))
	assert.True(t, acc.AvailableBalance.Equal(acc.CurrentBalance))
	assert.True(t, acc.RealizedPnL.IsZero())
	assert.Len(t, rec.OfType(events.TopicAccount), 1)

	_, err = svc.Create(context.Background(), "", CreateRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	neg := decimal.NewFromInt(-1)
	_, err = svc.Create(context.Background(), "u1", CreateRequest{InitialBalance: &neg})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetOwnedHidesOtherUsers(t *testing.T) {
	svc, _ := newService(store.NewMemory())
	acc, err := svc.Create(context.Background(), "u1", CreateRequest{})
	require.NoError(t, err)

	_, err = svc.GetOwned(context.Background(), "u2", acc.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := svc.GetOwned(context.Background(), "u1", acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
}

func TestRiskProfileCacheIsInvalidatedOnUpdate(t *testing.T) {
	repo := &countingRepo{Memory: store.NewMemory()}
	svc, _ := newService(repo)
	ctx := context.Background()
	acc, err := svc.Create(ctx, "u1", CreateRequest{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.RiskProfile(ctx, acc.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.gets, "profile served from cache after first read")

	p := model.DefaultRiskProfile()
	p.MaxOpenPositions = 2
	_, err = svc.UpdateRiskProfile(ctx, acc.ID, p)
	require.NoError(t, err)

	got, err := svc.RiskProfile(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxOpenPositions)
	assert.Equal(t, 2, repo.gets)
}

func TestRiskProfileReadRacingUpdateIsNotCached(t *testing.T) {
	repo := &interleavingRepo{Memory: store.NewMemory()}
	svc, _ := newService(repo)
	ctx := context.Background()
	acc, err := svc.Create(ctx, "u1", CreateRequest{})
	require.NoError(t, err)

	tight := model.DefaultRiskProfile()
	tight.MaxOpenPositions = 1
	repo.afterRead = func() {
		_, err := svc.UpdateRiskProfile(ctx, acc.ID, tight)
		require.NoError(t, err)
	}

	stale, err := svc.RiskProfile(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stale.MaxOpenPositions, "the racing read returns what it loaded")

	got, err := svc.RiskProfile(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxOpenPositions)
}

func TestUpdateRiskProfileValidates(t *testing.T) {
	svc, _ := newService(store.NewMemory())
	acc, err := svc.Create(context.Background(), "u1", CreateRequest{})
	require.NoError(t, err)

	bad := model.DefaultRiskProfile()
	bad.MaxAccountRiskPercent = decimal.NewFromInt(150)
	_, err = svc.UpdateRiskProfile(context.Background(), acc.ID, bad)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad = model.DefaultRiskProfile()
	bad.AllowedSymbols = []string{"BTCUSD"}
	bad.BlockedSymbols = []string{"btcusd"}
	_, err = svc.UpdateRiskProfile(context.Background(), acc.ID, bad)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.UpdateRiskProfile(context.Background(), "missing", model.DefaultRiskProfile())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeactivate(t *testing.T) {
	svc, _ := newService(store.NewMemory())
	acc, err := svc.Create(context.Background(), "u1", CreateRequest{})
	require.NoError(t, err)
	out, err := svc.Deactivate(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.False(t, out.IsActive)
	got, err := svc.Get(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

type countingRepo struct {
	*store.Memory
	gets int
}

func (c *countingRepo) GetAccount(ctx context.Context, id string) (model.Account, error) {
	c.gets++
	return c.Memory.GetAccount(ctx, id)
}

// interleavingRepo runs afterRead once, between loading an account and
// handing it back.
type interleavingRepo struct {
	*store.Memory
	afterRead func()
}

func (r *interleavingRepo) GetAccount(ctx context.Context, id string) (model.Account, error) {
	acc, err := r.Memory.GetAccount(ctx, id)
	if fn := r.afterRead; fn != nil {
		r.afterRead = nil
		fn()
	}
	return acc, err
}
