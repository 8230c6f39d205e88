package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"imob-leads-go/internal/lead"
	"imob-leads-go/internal/model"
	"imob-leads-go/internal/repository"
	"imob-leads-go/pkg/lock"
	"imob-leads-go/pkg/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// brokenStore 模拟主存储不可用。
type brokenStore struct {
	findErr, writeErr error
	writes            int
}

func (s *brokenStore) FindByDedupKey(context.Context, string) (*model.Lead, error) {
	return nil, s.findErr
}

func (s *brokenStore) Insert(context.Context, model.Lead) error {
	s.writes++
	return s.writeErr
}

func (s *brokenStore) Update(context.Context, model.Lead) error {
	s.writes++
	return s.writeErr
}

func (s *brokenStore) List(context.Context, int, int) ([]model.Lead, int64, error) {
	return nil, 0, s.findErr
}

type brokenFallback struct{}

func (brokenFallback) Append(context.Context, model.Lead) error { return errors.New("disk full") }
func (brokenFallback) ReadAll(context.Context) ([]model.Lead, error) {
	return nil, errors.New("disk full")
}
func (brokenFallback) Remove(context.Context, []string) error { return errors.New("disk full") }

// busyLocker 从不授予锁。
type busyLocker struct{}

func (busyLocker) Lock(ctx context.Context, key string) (func(), error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %s", lock.ErrLockNotAcquired, key)
}

type fixture struct {
	engine   *Engine
	primary  repository.LeadStore
	fallback repository.FallbackStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	primary, err := repository.NewXLSXLeadStore(filepath.Join(dir, "leads.xlsx"))
	require.NoError(t, err)
	fallback := repository.NewCSVFallbackStore(filepath.Join(dir, "leads.csv"))
	return fixture{
		engine:   NewEngine(primary, fallback, lock.NewLocalLocker()),
		primary:  primary,
		fallback: fallback,
	}
}

func answers(urgencia string) map[string]string {
	return map[string]string{
		"nome": "Maria Silva", "telefone": "11987654321", "email": "maria@exemplo.com",
		"operacao": "compra", "tipo_imovel": "apartamento", "metragem": "80",
		"quartos": "2", "faixa_preco": "300-500k", "urgencia": urgencia,
	}
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	first := lead.NewBuilder(lead.WithClock(func() time.Time { return t1 })).
		Build(answers("alta"), model.SessionMeta{Origin: "ayla-web", UTM: model.UTM{Source: "google"}})

	outcome, err := f.engine.Upsert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	t2 := t1.Add(24 * time.Hour)
	second := lead.NewBuilder(lead.WithClock(func() time.Time { return t2 })).
		Build(answers("baixa"), model.SessionMeta{Origin: "ayla-web", UTM: model.UTM{Source: "instagram"}})
	require.NotEqual(t, first.LeadID, second.LeadID)

	stored, outcome, err := f.engine.Save(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, first.LeadID, stored.LeadID)

	all, total, err := f.primary.List(ctx, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	got := all[0]
	assert.Equal(t, first.LeadID, got.LeadID)
	assert.True(t, t1.Equal(got.CriadoEm), "criado_em is kept from the first write")
	assert.Equal(t, "baixa", got.Urgencia, "last write wins")
	assert.Equal(t, "instagram", got.UTMSource)
}

func TestUpsertEmptyKeyAlwaysAppends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := lead.NewBuilder()

	noContact := answers("alta")
	noContact["telefone"] = ""
	noContact["email"] = ""
	for i := 0; i < 3; i++ {
		l := b.Build(noContact, model.SessionMeta{})
		require.Equal(t, lead.EmptyKey, l.DedupKey)
		outcome, err := f.engine.Upsert(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, Inserted, outcome)
	}
	_, total, err := f.primary.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestUpsertPrimaryFailureGoesToFallback(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fallback := repository.NewCSVFallbackStore(filepath.Join(dir, "leads.csv"))

	cases := map[string]*Engine{
		"lookup": NewEngine(&brokenStore{findErr: errors.New("corrupt file")}, fallback, lock.NewLocalLocker()),
		"write":  NewEngine(&brokenStore{writeErr: errors.New("read-only fs")}, fallback, lock.NewLocalLocker()),
		"lock":   NewEngine(&brokenStore{}, fallback, busyLocker{}, WithLockWait(10*time.Millisecond)),
	}
	b := lead.NewBuilder()
	want := 0
	for name, engine := range cases {
		t.Run(name, func(t *testing.T) {
			// 同一去重键写两次：降级存储从不合并
			for i := 0; i < 2; i++ {
				outcome, err := engine.Upsert(ctx, b.Build(answers("alta"), model.SessionMeta{}))
				require.NoError(t, err)
				assert.Equal(t, InsertedFallback, outcome)
				want++
			}
			rows, err := fallback.ReadAll(ctx)
			require.NoError(t, err)
			assert.Len(t, rows, want)
		})
	}
}

func TestUpsertPrimaryFailureDoesNotUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	primary := &brokenStore{findErr: nil, writeErr: errors.New("boom")}
	engine := NewEngine(primary, repository.NewCSVFallbackStore(filepath.Join(t.TempDir(), "f.csv")), lock.NewLocalLocker())
	_, err := engine.Upsert(ctx, lead.NewBuilder().Build(answers("alta"), model.SessionMeta{}))
	require.NoError(t, err)
	assert.Equal(t, 1, primary.writes)
}

func TestUpsertUnrecoverable(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(&brokenStore{findErr: errors.New("corrupt file")}, brokenFallback{}, lock.NewLocalLocker())

	outcome, err := engine.Upsert(ctx, lead.NewBuilder().Build(answers("alta"), model.SessionMeta{}))
	assert.Empty(t, outcome)
	assert.ErrorIs(t, err, ErrUnrecoverable)
	assert.ErrorIs(t, err, ErrPrimaryWriteFailed)
	assert.ErrorContains(t, err, "corrupt file")
	assert.ErrorContains(t, err, "disk full")
}

func TestSavePrimaryDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fallback := repository.NewCSVFallbackStore(filepath.Join(dir, "leads.csv"))
	engine := NewEngine(&brokenStore{findErr: errors.New("corrupt")}, fallback, lock.NewLocalLocker())

	_, _, err := engine.SavePrimary(ctx, lead.NewBuilder().Build(answers("alta"), model.SessionMeta{}))
	assert.Error(t, err)
	rows, err := fallback.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSavePrimaryIfNewerSkipsOlderSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := func(ts time.Time) *lead.Builder {
		return lead.NewBuilder(lead.WithClock(func() time.Time { return ts }))
	}
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	older := at(t0).Build(answers("alta"), model.SessionMeta{})
	newer := at(t0.Add(time.Hour)).Build(answers("baixa"), model.SessionMeta{})
	_, err := f.engine.Upsert(ctx, newer)
	require.NoError(t, err)

	_, _, err = f.engine.SavePrimaryIfNewer(ctx, older)
	assert.ErrorIs(t, err, ErrStaleRecord)
	got, err := f.primary.FindByDedupKey(ctx, newer.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, "baixa", got.Urgencia)

	// 同一秒的提交无法判断先后，同样跳过
	_, _, err = f.engine.SavePrimaryIfNewer(ctx, at(newer.CriadoEm).Build(answers("media"), model.SessionMeta{}))
	assert.ErrorIs(t, err, ErrStaleRecord)

	latest := at(t0.Add(2*time.Hour)).Build(answers("media"), model.SessionMeta{})
	stored, outcome, err := f.engine.SavePrimaryIfNewer(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, newer.LeadID, stored.LeadID)
	assert.Equal(t, "media", stored.Urgencia)
}

func TestSavePrimaryIfNewerUnknownKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := lead.NewBuilder().Build(answers("alta"), model.SessionMeta{})

	// 主存储中没有的键直接插入
	_, outcome, err := f.engine.SavePrimaryIfNewer(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	// 另一个 Engine（相当于重启后）不知道该键的写入时间，不覆盖
	restarted := NewEngine(f.primary, f.fallback, lock.NewLocalLocker())
	later := lead.NewBuilder(lead.WithClock(func() time.Time { return l.CriadoEm.Add(time.Hour) })).
		Build(answers("baixa"), model.SessionMeta{})
	_, _, err = restarted.SavePrimaryIfNewer(ctx, later)
	assert.ErrorIs(t, err, ErrStaleRecord)

	noContact := answers("alta")
	noContact["telefone"], noContact["email"] = "", ""
	_, outcome, err = restarted.SavePrimaryIfNewer(ctx, lead.NewBuilder().Build(noContact, model.SessionMeta{}))
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
}

func TestConcurrentUpsertsKeepOneRowPerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := lead.NewBuilder()

	var mu sync.Mutex
	outcomes := map[StoreOutcome]int{}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 12; i++ {
		i := i
		g.Go(func() error {
			a := answers("alta")
			// 三个不同的联系人，各写四次
			a["telefone"] = fmt.Sprintf("1198765432%d", i%3)
			outcome, err := f.engine.Upsert(gctx, b.Build(a, model.SessionMeta{}))
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 3, outcomes[Inserted])
	assert.Equal(t, 9, outcomes[Updated])
	_, total, err := f.primary.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	rows, err := f.fallback.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessorRetriesThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewProcessor(f.engine)

	l := lead.NewBuilder().Build(answers("media"), model.SessionMeta{})
	require.NoError(t, p.Process(ctx, tasks.LeadRetryTask{Lead: l, SessionID: "s1"}))

	got, err := f.primary.FindByDedupKey(ctx, l.DedupKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, l.LeadID, got.LeadID)

	broken := NewProcessor(NewEngine(&brokenStore{findErr: errors.New("x")}, brokenFallback{}, lock.NewLocalLocker()))
	assert.ErrorIs(t, broken.Process(ctx, tasks.LeadRetryTask{Lead: l}), ErrUnrecoverable)
}
