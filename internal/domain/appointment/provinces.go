package appointment

import (
	"fmt"
	"sort"
	"strings"
)

// Province is the numeric province code used in the booking URLs.
type Province string

const (
	ProvinceACoruna       Province = "15"
	ProvinceAlbacete      Province = "2"
	ProvinceAlicante      Province = "3"
	ProvinceAlmeria       Province = "4"
	ProvinceAraba         Province = "1"
	ProvinceAsturias      Province = "33"
	ProvinceAvila         Province = "5"
	ProvinceBadajoz       Province = "6"
	ProvinceBarcelona     Province = "8"
	ProvinceBizkaia       Province = "48"
	ProvinceBurgos        Province = "9"
	ProvinceCaceres       Province = "10"
	ProvinceCadiz         Province = "11"
	ProvinceCantabria     Province = "39"
	ProvinceCastellon     Province = "12"
	ProvinceCeuta         Province = "51"
	ProvinceCiudadReal    Province = "13"
	ProvinceCordoba       Province = "14"
	ProvinceCuenca        Province = "16"
	ProvinceGipuzkoa      Province = "20"
	ProvinceGirona        Province = "17"
	ProvinceGranada       Province = "18"
	ProvinceGuadalajara   Province = "19"
	ProvinceHuelva        Province = "21"
	ProvinceHuesca        Province = "22"
	ProvinceIllesBalears  Province = "7"
	ProvinceJaen          Province = "23"
	ProvinceLaRioja       Province = "26"
	ProvinceLasPalmas     Province = "35"
	ProvinceLeon          Province = "24"
	ProvinceLleida        Province = "25"
	ProvinceLugo          Province = "27"
	ProvinceMadrid        Province = "28"
	ProvinceMalaga        Province = "29"
	ProvinceMelilla       Province = "52"
	ProvinceMurcia        Province = "30"
	ProvinceNavarra       Province = "31"
	ProvinceOrense        Province = "32"
	ProvincePalencia      Province = "34"
	ProvincePontevedra    Province = "36"
	ProvinceSalamanca     Province = "37"
	ProvinceSCruzTenerife Province = "38"
	ProvinceSegovia       Province = "40"
	ProvinceSevilla       Province = "41"
	ProvinceSoria         Province = "42"
	ProvinceTarragona     Province = "43"
	ProvinceTeruel        Province = "44"
	ProvinceToledo        Province = "45"
	ProvinceValencia      Province = "46"
	ProvinceValladolid    Province = "47"
	ProvinceZamora        Province = "49"
	ProvinceZaragoza      Province = "50"
)

var provinceNames = map[string]Province{
	"A_CORUNA": ProvinceACoruna, "ALBACETE": ProvinceAlbacete, "ALICANTE": ProvinceAlicante,
	"ALMERIA": ProvinceAlmeria, "ARABA": ProvinceAraba, "ASTURIAS": ProvinceAsturias,
	"AVILA": ProvinceAvila, "BADAJOZ": ProvinceBadajoz, "BARCELONA": ProvinceBarcelona,
	"BIZKAIA": ProvinceBizkaia, "BURGOS": ProvinceBurgos, "CACERES": ProvinceCaceres,
	"CADIZ": ProvinceCadiz, "CANTABRIA": ProvinceCantabria, "CASTELLON": ProvinceCastellon,
	"CEUTA": ProvinceCeuta, "CIUDAD_REAL": ProvinceCiudadReal, "CORDOBA": ProvinceCordoba,
	"CUENCA": ProvinceCuenca, "GIPUZKOA": ProvinceGipuzkoa, "GIRONA": ProvinceGirona,
	"GRANADA": ProvinceGranada, "GUADALAJARA": ProvinceGuadalajara, "HUELVA": ProvinceHuelva,
	"HUESCA": ProvinceHuesca, "ILLES_BALEARS": ProvinceIllesBalears, "JAEN": ProvinceJaen,
	"LA_RIOJA": ProvinceLaRioja, "LAS_PALMAS": ProvinceLasPalmas, "LEON": ProvinceLeon,
	"LLEIDA": ProvinceLleida, "LUGO": ProvinceLugo, "MADRID": ProvinceMadrid,
	"MALAGA": ProvinceMalaga, "MELILLA": ProvinceMelilla, "MURCIA": ProvinceMurcia,
	"NAVARRA": ProvinceNavarra, "ORENSE": ProvinceOrense, "PALENCIA": ProvincePalencia,
	"PONTEVEDRA": ProvincePontevedra, "SALAMANCA": ProvinceSalamanca,
	"S_CRUZ_TENERIFE": ProvinceSCruzTenerife, "SEGOVIA": ProvinceSegovia,
	"SEVILLA": ProvinceSevilla, "SORIA": ProvinceSoria, "TARRAGONA": ProvinceTarragona,
	"TERUEL": ProvinceTeruel, "TOLEDO": ProvinceToledo, "VALENCIA": ProvinceValencia,
	"VALLADOLID": ProvinceValladolid, "ZAMORA": ProvinceZamora, "ZARAGOZA": ProvinceZaragoza,
}

// NamedProvince pairs a province code with its canonical name.
type NamedProvince struct {
	Name string
	Code Province
}

// Provinces lists every province sorted by name.
func Provinces() []NamedProvince {
	out := make([]NamedProvince, 0, len(provinceNames))
	for name, code := range provinceNames {
		out = append(out, NamedProvince{Name: name, Code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var accentFolder = strings.NewReplacer("Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ñ", "N", " ", "_", ".", "")

// ParseProvince accepts either the numeric code or the upper-case name
// (accents and spaces tolerated, e.g. "Málaga" or "S. Cruz Tenerife").
func ParseProvince(s string) (Province, error) {
	s = strings.TrimSpace(s)
	for _, p := range provinceNames {
		if string(p) == s {
			return p, nil
		}
	}
	if p, ok := provinceNames[accentFolder.Replace(strings.ToUpper(s))]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown province %q", s)
}

// OperationConfig is the URL category and the operation dropdown id a province uses.
type OperationConfig struct {
	Category       string
	OperationParam string
}

var defaultOperationConfig = OperationConfig{Category: "icpplus", OperationParam: "tramiteGrupo[1]"}

var operationConfigs = map[Province]OperationConfig{
	ProvinceBarcelona:     {Category: "icpplustieb", OperationParam: "tramiteGrupo[0]"},
	ProvinceAlicante:      {Category: "icpco", OperationParam: "tramiteGrupo[1]"},
	ProvinceIllesBalears:  {Category: "icpco", OperationParam: "tramiteGrupo[1]"},
	ProvinceLasPalmas:     {Category: "icpco", OperationParam: "tramiteGrupo[1]"},
	ProvinceSCruzTenerife: {Category: "icpco", OperationParam: "tramiteGrupo[1]"},
	ProvinceMadrid:        {Category: "icpplustiem", OperationParam: "tramiteGrupo[1]"},
	ProvinceMalaga:        {Category: "icpco", OperationParam: "tramiteGrupo[0]"},
	ProvinceMelilla:       {Category: "icpplus", OperationParam: "tramiteGrupo[0]"},
	ProvinceSevilla:       {Category: "icpplus", OperationParam: "tramiteGrupo[0]"},
}

// OperationConfigFor returns the province override or the default.
func OperationConfigFor(p Province) OperationConfig {
	if c, ok := operationConfigs[p]; ok {
		return c
	}
	return defaultOperationConfig
}
