package appointment

import (
	"fmt"
	"slices"
)

// FormRule describes how the personal-info form looks for one operation.
type FormRule struct {
	Name            string
	DocTypes        []DocType
	CountryRequired bool
	// SingleOffice operations cannot fall back to a random office.
	SingleOffice bool
}

var (
	pasNie    = []DocType{DocPassport, DocNIE}
	pasNieDni = []DocType{DocPassport, DocNIE, DocDNI}
)

var formRules = map[OperationType]FormRule{
	OpAutorizacionRegreso:    {Name: "AUTORIZACION_DE_REGRESO", DocTypes: pasNie},
	OpBrexit:                 {Name: "BREXIT", DocTypes: pasNie},
	OpCartaInvitacion:        {Name: "CARTA_INVITACION", DocTypes: []DocType{DocPassport, DocDNI, DocNIE}},
	OpCertificadosNIE:        {Name: "CERTIFICADOS_NIE", DocTypes: pasNieDni},
	OpCertificadosNIENoCom:   {Name: "CERTIFICADOS_NIE_NO_COMUN", DocTypes: pasNieDni},
	OpCertificadosResidencia: {Name: "CERTIFICADOS_RESIDENCIA", DocTypes: pasNieDni},
	OpCertificadosUE:         {Name: "CERTIFICADOS_UE", DocTypes: pasNieDni},
	OpRecogidaTarjeta:        {Name: "RECOGIDA_DE_TARJETA", DocTypes: pasNie, SingleOffice: true},
	OpSolicitudAsilo:         {Name: "SOLICITUD_ASILO", DocTypes: pasNie, CountryRequired: true},
	OpTomaHuellas:            {Name: "TOMA_HUELLAS", DocTypes: pasNie, CountryRequired: true},
	OpAsignacionNIE:          {Name: "ASIGNACION_NIE", DocTypes: []DocType{DocPassport}, CountryRequired: true},
	OpFingerprint:            {Name: "FINGERPRINT", DocTypes: pasNie, CountryRequired: true},
	OpRenovacionAsilo:        {Name: "RENOVACION_ASILO", DocTypes: []DocType{DocNIE}, CountryRequired: true},
}

// RuleFor returns the personal-info rule for op.
func RuleFor(op OperationType) (FormRule, bool) {
	r, ok := formRules[op]
	return r, ok
}

// Operations lists every supported operation code.
func Operations() []OperationType {
	out := make([]OperationType, 0, len(formRules))
	for op := range formRules {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Allows reports whether the form for this operation offers doc.
func (r FormRule) Allows(doc DocType) bool {
	return slices.Contains(r.DocTypes, doc)
}

// ParseOperation accepts the numeric code or the rule name.
func ParseOperation(s string) (OperationType, error) {
	if _, ok := formRules[OperationType(s)]; ok {
		return OperationType(s), nil
	}
	for op, r := range formRules {
		if r.Name == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}
