package funnel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func field(t *testing.T, name string) FieldDef {
	t.Helper()
	def, ok := Default().Field(name)
	require.True(t, ok, "field %s missing from default funnel", name)
	return def
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	return verr.Kind
}

func TestDefaultFunnelOrder(t *testing.T) {
	f := Default()
	names := make([]string, 0, len(f))
	for _, d := range f {
		names = append(names, d.Name)
		assert.True(t, d.Required, d.Name)
		assert.NotEmpty(t, d.Prompt, d.Name)
		assert.NotEmpty(t, d.Retry, d.Name)
	}
	assert.Equal(t, []string{
		FieldNome, FieldTelefone, FieldEmail, FieldOperacao, FieldTipoImovel,
		FieldMetragem, FieldQuartos, FieldFaixaPreco, FieldUrgencia,
	}, names)
}

func TestDefaultReturnsCopy(t *testing.T) {
	f := Default()
	f[0].Prompt = "mutated"
	assert.NotEqual(t, "mutated", Default()[0].Prompt)
}

func TestNewRejectsBadTables(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(FieldDef{Name: "a", Order: 1}, FieldDef{Name: "a", Order: 2})
	assert.Error(t, err)

	_, err = New(FieldDef{Name: "a", Order: 1}, FieldDef{Name: "b", Order: 1})
	assert.Error(t, err)

	_, err = New(FieldDef{Name: "c", Order: 1, Kind: KindChoice})
	assert.Error(t, err)

	f, err := New(FieldDef{Name: "b", Order: 2}, FieldDef{Name: "a", Order: 1})
	require.NoError(t, err)
	assert.Equal(t, "a", f[0].Name)
	assert.Equal(t, 1, f.Index("b"))
	assert.Equal(t, -1, f.Index("zzz"))
}

func TestValidatePhone(t *testing.T) {
	def := field(t, FieldTelefone)

	got, err := Validate(def, "(11) 98765-4321")
	require.NoError(t, err)
	assert.Equal(t, "11987654321", got)

	got, err = Validate(def, " 11 9 8765 4321 ")
	require.NoError(t, err)
	assert.Equal(t, "11987654321", got)

	for _, in := range []string{"987654321", "119876543210", "", "abc"} {
		_, err := Validate(def, in)
		require.Error(t, err, in)
		assert.Equal(t, InvalidPhone, kindOf(t, err), in)
	}

	_, err = Validate(def, "987654321")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "9")
	assert.Contains(t, verr.Detail, "11")
}

func TestValidateEmail(t *testing.T) {
	def := field(t, FieldEmail)

	got, err := Validate(def, "  Maria@Exemplo.COM ")
	require.NoError(t, err)
	assert.Equal(t, "maria@exemplo.com", got)

	for _, in := range []string{"maria", "maria@", "@exemplo.com", "maria@exemplo", "ma ria@exemplo.com"} {
		_, err := Validate(def, in)
		require.Error(t, err, in)
		assert.Equal(t, InvalidEmail, kindOf(t, err), in)
	}
}

func TestValidateChoice(t *testing.T) {
	op := field(t, FieldOperacao)
	cases := map[string]string{
		"1":       "compra",
		"2":       "aluguel",
		"Compra":  "compra",
		"alugar":  "aluguel",
		"LOCAÇÃO": "aluguel",
	}
	for in, want := range cases {
		got, err := Validate(op, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Validate(op, "3")
	assert.Equal(t, InvalidChoice, kindOf(t, err))

	urg := field(t, FieldUrgencia)
	got, err := Validate(urg, "Média")
	require.NoError(t, err)
	assert.Equal(t, "media", got)

	_, err = Validate(urg, "urgente")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, InvalidChoice, verr.Kind)
	assert.Contains(t, verr.Detail, "alta")

	preco := field(t, FieldFaixaPreco)
	got, err = Validate(preco, "300 - 500k")
	require.NoError(t, err)
	assert.Equal(t, "300-500k", got)
	got, err = Validate(preco, "até 300k")
	require.NoError(t, err)
	assert.Equal(t, "ate-300k", got)
}

func TestValidateNumber(t *testing.T) {
	def := field(t, FieldMetragem)

	got, err := Validate(def, "80")
	require.NoError(t, err)
	assert.Equal(t, "80", got)

	got, err = Validate(def, "72,5")
	require.NoError(t, err)
	assert.Equal(t, "72.5", got)

	for in, want := range map[string]string{"-0": "0", "0,00": "0", "007": "7", "120.50": "120.5"} {
		got, err := Validate(def, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"oitenta", "-3", "NaN", "Inf", "1e400", "1e2", "0x1p4", "+5", "1.000,50", ".5", "5."} {
		_, err := Validate(def, in)
		require.Error(t, err, in)
		assert.Equal(t, InvalidNumber, kindOf(t, err), in)
	}
}

func TestValidateText(t *testing.T) {
	def := field(t, FieldNome)

	got, err := Validate(def, "  Maria   Silva ")
	require.NoError(t, err)
	assert.Equal(t, "Maria Silva", got)

	_, err = Validate(def, "   ")
	assert.Equal(t, Empty, kindOf(t, err))
}

func TestValidateOptionalBlankIsSkipped(t *testing.T) {
	def := FieldDef{Name: "bairro", Kind: KindText}
	got, err := Validate(def, "  ")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	phone := FieldDef{Name: "telefone_2", Kind: KindPhone}
	got, err = Validate(phone, "")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = Validate(phone, "123")
	assert.Equal(t, InvalidPhone, kindOf(t, err))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "media", Fold("Média"))
	assert.Equal(t, "locacao", Fold("LOCAÇÃO"))
}
