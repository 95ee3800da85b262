package steps

import (
	"context"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// FillContactInfo types phone and email and submits the contact page.
// Email fields and observations are optional on some operations.
func (f *Flow) FillContactInfo(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (bool, error) {
	ok, err := f.waitFor(ctx, s, site.Phone, f.cfg().FormTimeout, "contact info")
	if err != nil || !ok {
		return false, err
	}
	f.logger().Info("contact info")

	if err := s.SendKeys(ctx, site.Phone, p.Phone); err != nil {
		return false, f.formErr("phone", err)
	}
	for _, loc := range []browser.Locator{site.Email, site.EmailConfirm} {
		if err := f.typeIfShown(ctx, s, loc, p.Email); err != nil {
			return false, err
		}
	}
	if p.Operation == appointment.OpSolicitudAsilo {
		if err := f.typeIfShown(ctx, s, site.Observations, p.Reason); err != nil {
			return false, err
		}
	}
	if err := s.ExecuteScript(ctx, site.ScriptSubmitContact, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Flow) typeIfShown(ctx context.Context, s browser.Session, loc browser.Locator, text string) error {
	shown, err := s.Exists(ctx, loc)
	if err != nil || !shown {
		return err
	}
	return s.SendKeys(ctx, loc, text)
}
