package steps

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// Confirm finishes a committed pick: SMS code, terms, confirm. It returns nil
// when the site did not take the booking.
func (f *Flow) Confirm(ctx context.Context, s browser.Session, p *appointment.CustomerProfile, pick *Pick) (*appointment.ConfirmedResult, error) {
	body, err := s.VisibleText(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(body, site.MarkerConfirmData) {
		f.logger().Info("missed confirmation")
		f.report(ctx, pick, false)
		f.screenshot(ctx, s, p, artifacts.Failed)
		return nil, nil
	}
	f.logger().Info("confirmation hit")
	f.report(ctx, pick, true)

	hasCode, err := s.Exists(ctx, site.SMSCode)
	if err != nil {
		return nil, err
	}
	if hasCode {
		if err := f.enterCode(ctx, s, p); err != nil {
			return nil, err
		}
	}
	return f.confirmAppointment(ctx, s, p)
}

func (f *Flow) enterCode(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) error {
	if p.SMSWebhookToken == "" || f.Codes == nil {
		return f.human(ctx, p, "Type the SMS code into the browser, then continue")
	}
	code, err := f.Codes.Code(ctx, p.SMSWebhookToken)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger().Warn("no sms code", zap.Error(err))
		return nil
	}
	return s.SendKeys(ctx, site.SMSCode, code)
}

func (f *Flow) confirmAppointment(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (*appointment.ConfirmedResult, error) {
	if err := s.Press(ctx, site.AcceptTerms, browser.KeySpace); err != nil {
		return nil, f.formErr("accept terms", err)
	}
	if err := f.pressIfShown(ctx, s, site.EmailCopy, browser.KeySpace); err != nil {
		return nil, err
	}
	if err := s.Press(ctx, site.ConfirmButton, browser.KeyEnter); err != nil {
		return nil, f.formErr("confirm", err)
	}

	body, err := s.VisibleText(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(body, site.MarkerConfirmed):
		texts, err := s.Texts(ctx, site.Justificante)
		if err != nil {
			return nil, err
		}
		code := strings.TrimSpace(strings.Join(texts, " "))
		f.logger().Info("appointment confirmed", zap.String("code", code))
		shot, err := s.Screenshot(ctx)
		if err != nil {
			f.logger().Warn("confirmation screenshot failed", zap.Error(err))
		}
		f.save(p, artifacts.Confirmed, "png", shot)
		return &appointment.ConfirmedResult{Code: code, Screenshot: shot, ConfirmedAt: f.now()}, nil
	case strings.Contains(body, site.MarkerWrongSMSCode):
		f.logger().Error("incorrect sms code entered")
	default:
		f.screenshot(ctx, s, p, artifacts.Failed)
	}
	return nil, nil
}

func (f *Flow) pressIfShown(ctx context.Context, s browser.Session, loc browser.Locator, key browser.Key) error {
	shown, err := s.Exists(ctx, loc)
	if err != nil || !shown {
		return err
	}
	return s.Press(ctx, loc, key)
}

// report tells the solver whether its answer got us through.
func (f *Flow) report(ctx context.Context, pick *Pick, correct bool) {
	if f.Solver == nil || pick == nil || pick.Captcha == nil {
		return
	}
	if err := f.Solver.Report(ctx, *pick.Captcha, correct); err != nil {
		f.logger().Warn("captcha report failed", zap.Error(err))
	}
}
