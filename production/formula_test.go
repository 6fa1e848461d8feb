package production

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdditiveRequirements_ScalesByPostQty(t *testing.T) {
	f := Formula{
		Code: "CT_COT_ND",
		Additives: []Additive{
			{Product: " duong ", RatePerPost: decimal.RequireFromString("0.7")},
			{Product: "SOTND", RatePerPost: decimal.RequireFromString("0.2")},
			{Product: "  ", RatePerPost: decimal.RequireFromString("9")},
		},
	}

	got := AdditiveRequirements(f, decimal.RequireFromString("12.5"))

	require.Len(t, got, 2, "blank codes are skipped")
	assert.True(t, got["DUONG"].Equal(decimal.RequireFromString("8.75")))
	assert.True(t, got["SOTND"].Equal(decimal.RequireFromString("2.5")))
}

func TestAdditiveRequirements_NoAdditives(t *testing.T) {
	got := AdditiveRequirements(Formula{Code: "X"}, decimal.NewFromInt(10))

	assert.Empty(t, got)
}

func TestFormula_YieldDefaultsToOne(t *testing.T) {
	assert.True(t, Formula{}.Yield().Equal(decimal.NewFromInt(1)))
	assert.True(t, Formula{YieldFactor: decimal.RequireFromString("0.8")}.Yield().Equal(decimal.RequireFromString("0.8")))
}

func TestFormula_AcceptsInput(t *testing.T) {
	open := Formula{Code: "A"}
	listed := Formula{Code: "B", PrimaryInputs: []string{"XOAI", "OI"}}

	assert.True(t, open.AcceptsInput("ANYTHING"))
	assert.True(t, listed.AcceptsInput("xoai"))
	assert.False(t, listed.AcceptsInput("CAM"))
}

func TestFormula_CanonicalInput(t *testing.T) {
	open := Formula{Code: "A"}
	listed := Formula{Code: "B", PrimaryInputs: []string{"XOAI", "OI"}}

	code, ok := listed.CanonicalInput(" xoai ")
	assert.True(t, ok)
	assert.Equal(t, "XOAI", code)

	code, ok = open.CanonicalInput("cam")
	assert.True(t, ok)
	assert.Equal(t, "CAM", code)

	_, ok = open.CanonicalInput("  ")
	assert.False(t, ok)
	_, ok = listed.CanonicalInput("CAM")
	assert.False(t, ok)
}

func TestFormula_Validate(t *testing.T) {
	valid := Formula{Code: "CT", Kind: KindIntermediate, OutputProduct: "COT"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Formula)
	}{
		{"missing code", func(f *Formula) { f.Code = "" }},
		{"unknown kind", func(f *Formula) { f.Kind = "batch" }},
		{"missing output", func(f *Formula) { f.OutputProduct = " " }},
		{"negative yield", func(f *Formula) { f.YieldFactor = decimal.NewFromInt(-1) }},
		{"negative derived units", func(f *Formula) { f.DerivedUnitsPerOutput = decimal.NewFromInt(-1) }},
		{"negative additive rate", func(f *Formula) {
			f.Additives = []Additive{{Product: "DUONG", RatePerPost: decimal.NewFromInt(-1)}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			assert.ErrorIs(t, f.Validate(), ErrInvalidFormula)
		})
	}
}

func TestErrRunAlreadyFinished_IsRunNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrRunAlreadyFinished, ErrRunNotFound)
	assert.True(t, IsNotFound(ErrRunAlreadyFinished))
	assert.True(t, IsConflict(ErrRunAlreadyFinished))
}
