package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var mariaInputs = []string{
	"Maria Silva",
	"11987654321",
	"maria@exemplo.com",
	"1",
	"apartamento",
	"80",
	"2",
	"300-500k",
	"alta",
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	meta := model.SessionMeta{Origin: "ayla-web", UTM: model.UTM{Source: "google"}}
	m := New(funnel.Default(), meta)

	assert.Equal(t, "Qual é o seu nome completo?", m.NextPrompt(ctx))

	for i, in := range mariaInputs[:len(mariaInputs)-1] {
		res := m.Submit(ctx, in)
		require.Equal(t, Accepted, res.Kind, "step %d", i)
		assert.Equal(t, i+1, res.Step)
		assert.Equal(t, model.SessionCollecting, res.Status)
		assert.NotEmpty(t, res.Prompt)
		assert.Equal(t, []string{DefaultMessages().Ack, res.Prompt}, res.Reply)
	}

	res := m.Submit(ctx, mariaInputs[len(mariaInputs)-1])
	require.Equal(t, Completed, res.Kind)
	assert.Equal(t, model.SessionComplete, res.Status)
	assert.Equal(t, 9, res.Step)
	assert.Empty(t, m.NextPrompt(ctx))

	answers := m.Answers()
	assert.Equal(t, "compra", answers[funnel.FieldOperacao])
	assert.Equal(t, "11987654321", answers[funnel.FieldTelefone])
	assert.Len(t, answers, 9)

	s := m.Session()
	assert.Equal(t, meta, s.Meta)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.History)
}

func TestRejectionKeepsStep(t *testing.T) {
	ctx := context.Background()
	m := New(funnel.Default(), model.SessionMeta{})
	require.Equal(t, Accepted, m.Submit(ctx, "Maria").Kind)
	prompt := m.NextPrompt(ctx)

	res := m.Submit(ctx, "987654321")
	require.Equal(t, Rejected, res.Kind)
	require.NotNil(t, res.Error)
	assert.Equal(t, funnel.InvalidPhone, res.Error.Kind)
	assert.Equal(t, funnel.FieldTelefone, res.Field)
	assert.Equal(t, 1, res.Step)
	assert.Equal(t, prompt, res.Prompt)
	require.Len(t, res.Reply, 2)
	assert.Contains(t, res.Reply[0], "9 dígitos")
	assert.Equal(t, prompt, res.Reply[1])
	_, ok := m.Answers()[funnel.FieldTelefone]
	assert.False(t, ok)

	// 多次失败不会放弃会话
	for i := 0; i < 5; i++ {
		assert.Equal(t, Rejected, m.Submit(ctx, "").Kind)
	}
	assert.Equal(t, model.SessionCollecting, m.Status())

	assert.Equal(t, Accepted, m.Submit(ctx, "(11) 98765-4321").Kind)
	assert.Equal(t, "11987654321", m.Answers()[funnel.FieldTelefone])
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	m := New(funnel.Default(), model.SessionMeta{})
	m.Submit(ctx, "Maria")
	m.Submit(ctx, "11987654321")

	res := m.Abandon()
	assert.Equal(t, Abandoned, res.Kind)
	assert.Equal(t, model.SessionAbandoned, res.Status)
	assert.Equal(t, 2, res.Step)

	after := m.Submit(ctx, "maria@exemplo.com")
	assert.Equal(t, Closed, after.Kind)
	assert.Equal(t, 2, after.Step)
	_, ok := m.Answers()[funnel.FieldEmail]
	assert.False(t, ok)
	assert.Equal(t, Closed, m.Abandon().Kind)
}

func TestSubmitAfterComplete(t *testing.T) {
	ctx := context.Background()
	m := New(funnel.Default(), model.SessionMeta{})
	for _, in := range mariaInputs {
		m.Submit(ctx, in)
	}
	res := m.Submit(ctx, "quero 2 vagas")
	assert.Equal(t, Closed, res.Kind)
	assert.Equal(t, []string{DefaultMessages().AfterComplete}, res.Reply)
	assert.Equal(t, model.SessionComplete, m.Status())
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	m := New(funnel.Default(), model.SessionMeta{Origin: "x"})
	m.Submit(ctx, "Maria")
	saved := m.Session()

	r, err := Resume(funnel.Default(), saved)
	require.NoError(t, err)
	assert.Equal(t, saved.Prompt, r.NextPrompt(ctx))
	assert.Equal(t, Accepted, r.Submit(ctx, "11987654321").Kind)
	assert.Equal(t, 1, saved.Step, "resumed machine must not mutate the saved copy")

	_, err = Resume(funnel.Default(), &model.Session{Step: 42})
	assert.Error(t, err)
	_, err = Resume(funnel.Default(), &model.Session{Step: 9, Status: model.SessionCollecting})
	assert.Error(t, err)
	_, err = Resume(funnel.Default(), nil)
	assert.Error(t, err)
}

func TestCustomFunnelSkipsOptionalField(t *testing.T) {
	ctx := context.Background()
	f, err := funnel.New(
		funnel.FieldDef{Name: funnel.FieldNome, Order: 0, Kind: funnel.KindText, Required: true, Prompt: "nome?"},
		funnel.FieldDef{Name: "bairro", Order: 1, Kind: funnel.KindText, Prompt: "bairro?"},
		funnel.FieldDef{Name: funnel.FieldEmail, Order: 2, Kind: funnel.KindEmail, Required: true, Prompt: "email?"},
	)
	require.NoError(t, err)

	m := New(f, model.SessionMeta{})
	assert.Equal(t, "nome?", m.NextPrompt(ctx))
	m.Submit(ctx, "Ana")
	res := m.Submit(ctx, "  ")
	require.Equal(t, Accepted, res.Kind)
	assert.Equal(t, "email?", res.Prompt)
	assert.Equal(t, Completed, m.Submit(ctx, "ana@x.com").Kind)
}

func TestParaphraseIsUsedAndCached(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p := ParaphraseFunc(func(_ context.Context, template string, answers map[string]string) (string, error) {
		calls++
		return "  ~" + template + "~ ", nil
	})
	m := New(funnel.Default(), model.SessionMeta{}, WithParaphraser(p))

	first := m.NextPrompt(ctx)
	assert.Equal(t, "~Qual é o seu nome completo?~", first)
	assert.Equal(t, first, m.NextPrompt(ctx))
	assert.Equal(t, 1, calls)

	res := m.Submit(ctx, "")
	assert.Equal(t, first, res.Prompt, "retry re-shows the same prompt")
	assert.Equal(t, 1, calls)
}

func TestParaphraseFallbacks(t *testing.T) {
	ctx := context.Background()
	template := "Qual é o seu nome completo?"

	cases := map[string]Paraphraser{
		"error": ParaphraseFunc(func(context.Context, string, map[string]string) (string, error) {
			return "", errors.New("boom")
		}),
		"empty": ParaphraseFunc(func(context.Context, string, map[string]string) (string, error) {
			return "   ", nil
		}),
		"panic": ParaphraseFunc(func(context.Context, string, map[string]string) (string, error) {
			panic("upstream exploded")
		}),
		"timeout": ParaphraseFunc(func(ctx context.Context, _ string, _ map[string]string) (string, error) {
			<-ctx.Done()
			return "late", ctx.Err()
		}),
		"unconfigured": NewLLMParaphraser(nil, "", nil),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			m := New(funnel.Default(), model.SessionMeta{},
				WithParaphraser(p), WithParaphraseBudget(20*time.Millisecond))
			assert.Equal(t, template, m.NextPrompt(ctx))
		})
	}
}

func TestParaphraserSeesAnswersCopy(t *testing.T) {
	ctx := context.Background()
	p := ParaphraseFunc(func(_ context.Context, template string, answers map[string]string) (string, error) {
		answers[funnel.FieldNome] = "hacked"
		return template, nil
	})
	m := New(funnel.Default(), model.SessionMeta{}, WithParaphraser(p))
	m.Submit(ctx, "Maria")
	assert.Equal(t, "Maria", m.Answers()[funnel.FieldNome])
}
