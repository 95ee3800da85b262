package steps

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// SelectOffice requests an appointment and picks the office. While the site
// says there are no appointments it reloads, up to RefreshCycles times.
func (f *Flow) SelectOffice(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (bool, error) {
	cfg := f.cfg()
	if err := s.ExecuteScript(ctx, site.ScriptRequestOffices, nil); err != nil {
		return false, err
	}

	for i := 0; i < cfg.RefreshCycles; i++ {
		body, err := s.VisibleText(ctx)
		if err != nil {
			return false, err
		}
		if err := site.CheckBlockedText(ctx, s, body, "office"); err != nil {
			return false, err
		}

		switch {
		case strings.Contains(body, site.MarkerOfficePage):
			f.logger().Info("office selection")
			ok, err := f.waitFor(ctx, s, site.NextButton, cfg.FormTimeout, "office")
			if err != nil || !ok {
				return false, err
			}
			chosen, err := f.chooseOffice(ctx, s, p)
			if err != nil {
				return false, err
			}
			if chosen {
				if err := s.Press(ctx, site.NextButton, browser.KeyEnter); err != nil {
					return false, f.formErr("office", err)
				}
				return true, nil
			}
			if rule, _ := appointment.RuleFor(p.Operation); rule.SingleOffice {
				f.logger().Info("preferred office not offered", zap.Strings("offices", p.PreferredOffices))
				return false, nil
			}
		case strings.Contains(body, site.MarkerNoSlots):
			f.logger().Debug("no appointments, reloading", zap.Int("refresh", i+1))
		default:
			f.logger().Info("no offices")
			return false, nil
		}

		if err := f.sleep(ctx, cfg.OfficeRetryWait); err != nil {
			return false, err
		}
		if err := s.Reload(ctx); err != nil {
			return false, err
		}
	}
	return false, nil
}

// chooseOffice selects the first offered preferred office, or a random one
// outside the excluded list.
func (f *Flow) chooseOffice(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (bool, error) {
	if !p.AutoOffice {
		if err := f.human(ctx, p, "Select the office in the browser, then continue"); err != nil {
			return false, err
		}
		return true, nil
	}

	if p.SaveArtifacts {
		if html, err := s.InnerHTML(ctx, site.OfficeSelect); err == nil {
			f.save(p, artifacts.Offices, "html", []byte(html))
		}
	}

	opts, err := s.Options(ctx, site.OfficeSelect)
	if err != nil {
		return false, f.formErr("office list", err)
	}
	offered := make(map[string]bool, len(opts))
	var selectable []string
	for _, o := range opts {
		if o.Value == "" {
			continue
		}
		offered[o.Value] = true
		selectable = append(selectable, o.Value)
	}

	rule, _ := appointment.RuleFor(p.Operation)
	for _, office := range p.PreferredOffices {
		if offered[office] {
			if err := s.SelectByValue(ctx, site.OfficeSelect, office); err != nil {
				return false, f.formErr("office", err)
			}
			return true, nil
		}
		if rule.SingleOffice {
			return false, nil
		}
	}
	if len(selectable) == 0 {
		return false, nil
	}

	for i := 0; i < f.cfg().RandomOfficeTries; i++ {
		office := selectable[f.intn(len(selectable))]
		if err := s.SelectByValue(ctx, site.OfficeSelect, office); err != nil {
			return false, f.formErr("office", err)
		}
		if !slices.Contains(p.ExceptOffices, office) {
			f.logger().Info("office chosen at random", zap.String("office", office))
			return true, nil
		}
	}
	return false, nil
}
