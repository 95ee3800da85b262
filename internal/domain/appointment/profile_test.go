package appointment

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile() CustomerProfile {
	p := CustomerProfile{
		DocType:   DocNIE,
		DocValue:  "x1234567a",
		Name:      "IVAN IVANOV",
		Phone:     "600000000",
		Email:     "ivan@example.com",
		Province:  "Madrid",
		Operation: "TOMA_HUELLAS",
		MinDate:   "30/01/2025",
		MaxDate:   "25/02/2025",
		MinTime:   "09:00",
		MaxTime:   "18:00",
	}
	p.ApplyDefaults()
	return p
}

func TestApplyDefaults(t *testing.T) {
	p := validProfile()
	assert.Equal(t, ProvinceMadrid, p.Province)
	assert.Equal(t, OpTomaHuellas, p.Operation)
	assert.Equal(t, "X1234567A", p.DocValue)
	assert.Equal(t, DefaultCountry, p.Country)
	assert.Equal(t, CaptchaManual, p.CaptchaMode)
	assert.True(t, p.FirstLoad)
	assert.Equal(t, "X1234567A:28", p.RegionKey())
	require.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(p *CustomerProfile){
		"doc type not offered":     func(p *CustomerProfile) { p.DocType = DocDNI },
		"auto captcha without key": func(p *CustomerProfile) { p.CaptchaMode = CaptchaAuto },
		"bad window":               func(p *CustomerProfile) { p.MaxDate = "01/01/2025" },
		"unknown province":         func(p *CustomerProfile) { p.Province = "99" },
		"unknown operation":        func(p *CustomerProfile) { p.Operation = "1" },
		"exact time out of range":  func(p *CustomerProfile) { p.WaitExactTime = [][2]int{{61, 0}} },
		"recogida without office":  func(p *CustomerProfile) { p.Operation = OpRecogidaTarjeta },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validProfile()
			mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestOperationConfigFor(t *testing.T) {
	assert.Equal(t, OperationConfig{Category: "icpplustieb", OperationParam: "tramiteGrupo[0]"}, OperationConfigFor(ProvinceBarcelona))
	assert.Equal(t, OperationConfig{Category: "icpco", OperationParam: "tramiteGrupo[0]"}, OperationConfigFor(ProvinceMalaga))
	assert.Equal(t, OperationConfig{Category: "icpplus", OperationParam: "tramiteGrupo[0]"}, OperationConfigFor(ProvinceMelilla))
	assert.Equal(t, OperationConfig{Category: "icpplus", OperationParam: "tramiteGrupo[0]"}, OperationConfigFor(ProvinceSevilla))
	assert.Equal(t, OperationConfig{Category: "icpplustiem", OperationParam: "tramiteGrupo[1]"}, OperationConfigFor(ProvinceMadrid))
	assert.Equal(t, defaultOperationConfig, OperationConfigFor(ProvinceZaragoza))
}

func TestFormRulesCoverEveryOperation(t *testing.T) {
	ops := Operations()
	assert.Len(t, ops, 13)
	for _, op := range ops {
		r, ok := RuleFor(op)
		require.True(t, ok)
		assert.NotEmpty(t, r.DocTypes, r.Name)
		parsed, err := ParseOperation(r.Name)
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
}

func TestParseProvince(t *testing.T) {
	for in, want := range map[string]Province{
		"28": ProvinceMadrid, "málaga": ProvinceMalaga, "S. Cruz Tenerife": ProvinceSCruzTenerife, "illes balears": ProvinceIllesBalears,
	} {
		got, err := ParseProvince(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseProvince("Atlantis")
	assert.Error(t, err)
}

func TestProvinces(t *testing.T) {
	ps := Provinces()
	require.Len(t, ps, 52)
	// "_" sorts after letters, so A_CORUNA follows ALBACETE.
	assert.Equal(t, NamedProvince{Name: "ALBACETE", Code: ProvinceAlbacete}, ps[0])
	assert.True(t, sort.SliceIsSorted(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name }))
	for _, p := range ps {
		got, err := ParseProvince(p.Name)
		require.NoError(t, err)
		assert.Equal(t, p.Code, got)
	}
}
