package steps

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/captcha"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/failure"
	"github.com/example/cita-scheduler/internal/site"
)

// answerChallenge solves whatever captcha the slot page carries. Manual mode
// hands the page to a person; the returned solution is nil then.
func (f *Flow) answerChallenge(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (*captcha.Solution, error) {
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	if p.CaptchaMode != appointment.CaptchaAuto {
		if err := f.human(ctx, p, "Solve the captcha in the browser, then continue"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if f.Solver == nil {
		return nil, failure.Newf(failure.CaptchaFailed, "captcha", "no solver configured")
	}

	if ok, err := s.Exists(ctx, site.RecaptchaSiteKey); err != nil {
		return nil, err
	} else if ok {
		return f.solveRecaptcha(ctx, s)
	}
	if ok, err := s.Exists(ctx, site.CaptchaImage); err != nil {
		return nil, err
	} else if ok {
		return f.solveImage(ctx, s)
	}
	return nil, nil
}

func (f *Flow) solveRecaptcha(ctx context.Context, s browser.Session) (*captcha.Solution, error) {
	key, err := s.Attribute(ctx, site.RecaptchaSiteKey, "value")
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "recaptcha site key", err)
	}
	action, err := s.Attribute(ctx, site.RecaptchaAction, "value")
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "recaptcha action", err)
	}
	sol, err := f.Solver.SolveRecaptchaV3(ctx, site.BaseURL, key, action)
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "recaptcha", err)
	}
	if err := s.ExecuteScript(ctx, site.ScriptSetRecaptcha(sol.Text), nil); err != nil {
		return nil, err
	}
	return &sol, nil
}

func (f *Flow) solveImage(ctx context.Context, s browser.Session) (*captcha.Solution, error) {
	src, err := s.Attribute(ctx, site.CaptchaImage, "src")
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "image captcha", err)
	}
	img, err := decodeDataURL(src)
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "image captcha", err)
	}
	sol, err := f.Solver.SolveImage(ctx, img)
	if err != nil {
		return nil, failure.New(failure.CaptchaFailed, "image captcha", err)
	}
	if err := s.SendKeys(ctx, site.CaptchaInput, sol.Text); err != nil {
		return nil, failure.New(failure.CaptchaFailed, "image captcha", err)
	}
	return &sol, nil
}

// decodeDataURL returns the payload of a base64 data: URL.
func decodeDataURL(src string) ([]byte, error) {
	_, data, ok := strings.Cut(src, ",")
	if !ok {
		return nil, fmt.Errorf("captcha image is not a data url")
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(data))
}
