package appointment

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultCountry = "RUSIA"
	DefaultReason  = "solicitud de asilo"
)

// ApplyDefaults fills optional fields that have documented defaults.
func (p *CustomerProfile) ApplyDefaults() {
	if p.Country == "" {
		p.Country = DefaultCountry
	}
	if p.Reason == "" {
		p.Reason = DefaultReason
	}
	if p.CaptchaMode == "" {
		p.CaptchaMode = CaptchaManual
	}
	if p.DocType == "" {
		p.DocType = DocNIE
	}
	p.DocValue = strings.ToUpper(strings.TrimSpace(p.DocValue))
	if pv, err := ParseProvince(string(p.Province)); err == nil {
		p.Province = pv
	}
	if op, err := ParseOperation(string(p.Operation)); err == nil {
		p.Operation = op
	}
	p.FirstLoad = true
}

// Validate runs every check that would otherwise fail deep inside a form step.
func (p *CustomerProfile) Validate() error {
	var errs []error
	if p.DocValue == "" {
		errs = append(errs, errors.New("doc_value required"))
	}
	if p.Name == "" {
		errs = append(errs, errors.New("name required"))
	}
	if p.Phone == "" {
		errs = append(errs, errors.New("phone required"))
	}
	if p.Email == "" {
		errs = append(errs, errors.New("email required"))
	}

	if _, err := ParseProvince(string(p.Province)); err != nil {
		errs = append(errs, err)
	}
	rule, ok := RuleFor(p.Operation)
	if !ok {
		errs = append(errs, fmt.Errorf("unsupported operation %q", p.Operation))
	} else {
		if !rule.Allows(p.DocType) {
			errs = append(errs, fmt.Errorf("doc_type %q is not accepted for %s (allowed: %v)", p.DocType, rule.Name, rule.DocTypes))
		}
		if rule.SingleOffice && len(p.PreferredOffices) != 1 {
			errs = append(errs, fmt.Errorf("%s needs exactly one office", rule.Name))
		}
	}

	if _, err := p.Window(); err != nil {
		errs = append(errs, err)
	}
	for _, mt := range p.WaitExactTime {
		if mt[0] < 0 || mt[0] > 59 || mt[1] < 0 || mt[1] > 59 {
			errs = append(errs, fmt.Errorf("wait_exact_time entry %v out of range", mt))
		}
	}

	switch p.CaptchaMode {
	case CaptchaAuto:
		if p.CaptchaAPIKey == "" {
			errs = append(errs, errors.New("captcha_mode auto requires captcha_api_key"))
		}
	case CaptchaManual:
	default:
		errs = append(errs, fmt.Errorf("captcha_mode %q: want auto or manual", p.CaptchaMode))
	}
	return errors.Join(errs...)
}
