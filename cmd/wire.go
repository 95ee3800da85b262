package cmd

import (
	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/captcha"
	"github.com/example/cita-scheduler/internal/config"
	"github.com/example/cita-scheduler/internal/engine"
	"github.com/example/cita-scheduler/internal/failure"
	"github.com/example/cita-scheduler/internal/humanize"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/session"
	"github.com/example/cita-scheduler/internal/sms"
	"github.com/example/cita-scheduler/internal/steps"
)

func (a *app) sessions() (*session.Manager, error) {
	b := a.cfg.Browser
	var proxies []string
	if b.ProxyFile != "" {
		var err error
		if proxies, err = session.LoadProxies(b.ProxyFile); err != nil {
			return nil, err
		}
	}
	return session.NewManager(
		&browser.ChromeFactory{Logger: a.log},
		session.OSProcesses{},
		session.Config{
			Browser: browser.Options{
				Headless:    b.Headless,
				NoSandbox:   b.NoSandbox,
				ExecPath:    b.ExecPath,
				ProfileRoot: b.ProfileRoot,
				PageTimeout: b.PageTimeout,
				OpTimeout:   b.OpTimeout,
			},
			Proxies: proxies,
		},
		a.log,
	), nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Delay = humanize.Delay{Min: c.DelayMin, Max: c.DelayMax}
	cfg.Settle = c.Settle
	cfg.MenuTimeout = c.MenuTimeout
	cfg.ProbeTimeout = c.ProbeTimeout

	cfg.Failure = failure.DefaultSettings()
	cfg.Failure.RateLimitBackoff = c.RateLimitBackoff
	cfg.Failure.TimeoutRetries = c.TimeoutRetries
	cfg.Failure.UnclassifiedCeiling = c.UnclassifiedCeiling

	cfg.Steps = steps.DefaultConfig()
	cfg.Steps.FormTimeout = c.FormTimeout
	cfg.Steps.RefreshCycles = c.RefreshCycles
	cfg.Steps.OfficeRetryWait = c.OfficeRetryWait
	return cfg
}

func (a *app) engine(sessions *session.Manager, n notify.Notifier, human steps.HumanGate) *engine.Engine {
	cc := a.cfg.Captcha
	return engine.New(engineConfig(a.cfg.Engine), engine.Deps{
		Sessions: sessions,
		Notifier: n,
		Inbox: sms.New(sms.Options{
			BaseURL:  a.cfg.SMS.BaseURL,
			Attempts: a.cfg.SMS.Attempts,
			Interval: a.cfg.SMS.Interval,
			Logger:   a.log,
		}),
		Solvers: func(apiKey string) steps.Solver {
			return captcha.New(apiKey, captcha.Options{
				BaseURL:      cc.BaseURL,
				PollInterval: cc.PollInterval,
				Timeout:      cc.Timeout,
				MinScore:     cc.MinScore,
				Logger:       a.log,
			})
		},
		Human:     human,
		Artifacts: artifacts.NewStore(a.cfg.Artifacts.Dir, a.log),
		Logger:    a.log,
	})
}
