package steps

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// FillPersonalInfo fills the personal info form the way the operation's
// form rule describes. It reports false when the form never appeared.
func (f *Flow) FillPersonalInfo(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (bool, error) {
	rule, ok := appointment.RuleFor(p.Operation)
	if !ok {
		return false, fmt.Errorf("unknown operation %q", p.Operation)
	}
	if !rule.Allows(p.DocType) {
		return false, fmt.Errorf("%s does not accept %s documents", rule.Name, p.DocType)
	}

	ok, err := f.waitFor(ctx, s, site.DocNumber, f.cfg().FormTimeout, "personal info")
	if err != nil || !ok {
		return false, err
	}
	f.logger().Info("personal info", zap.String("operation", rule.Name))

	radio, _ := site.DocRadio(p.DocType)
	if err := s.Press(ctx, radio, browser.KeySpace); err != nil {
		return false, f.formErr("document type", err)
	}
	if err := s.SendKeys(ctx, site.DocNumber, p.DocValue); err != nil {
		return false, f.formErr("document number", err)
	}
	if err := s.SendKeys(ctx, site.Name, p.Name); err != nil {
		return false, f.formErr("name", err)
	}
	if p.YearOfBirth != "" {
		shown, err := s.Exists(ctx, site.YearOfBirth)
		if err != nil {
			return false, err
		}
		if shown {
			if err := s.SendKeys(ctx, site.YearOfBirth, p.YearOfBirth); err != nil {
				return false, f.formErr("year of birth", err)
			}
		}
	}
	if rule.CountryRequired {
		if err := s.SelectByText(ctx, site.Country, p.Country); err != nil {
			return false, f.formErr("country", err)
		}
	}
	return true, nil
}
