package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/artifacts"
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/captcha"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// Pick is a committed slot and the captcha answer that went with it.
type Pick struct {
	Slot    appointment.SlotCandidate
	Captcha *captcha.Solution
}

// PickSlot reads the offered slots in whichever layout the site served,
// chooses one inside the profile's window, answers the captcha and commits
// the slot. A nil Pick means nothing suitable was offered.
func (f *Flow) PickSlot(ctx context.Context, s browser.Session, p *appointment.CustomerProfile) (*Pick, error) {
	body, err := s.VisibleText(ctx)
	if err != nil {
		return nil, err
	}
	if err := site.CheckBlockedText(ctx, s, body, "slot selection"); err != nil {
		return nil, err
	}
	w, err := p.Window()
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(body, site.MarkerListLayout):
		f.logger().Info("slot selection hit", zap.String("layout", "list"))
		f.screenshot(ctx, s, p, artifacts.SlotPage)
		return f.pickFromList(ctx, s, p, w)
	case strings.Contains(body, site.MarkerGridLayout):
		f.logger().Info("slot selection hit", zap.String("layout", "grid"))
		f.screenshot(ctx, s, p, artifacts.SlotPage)
		return f.pickFromGrid(ctx, s, p, w)
	}
	f.logger().Info("missed slot selection")
	return nil, nil
}

func (f *Flow) pickFromList(ctx context.Context, s browser.Session, p *appointment.CustomerProfile, w appointment.Window) (*Pick, error) {
	labels, err := s.Texts(ctx, site.SlotLinks)
	if err != nil {
		return nil, err
	}
	cands := make([]appointment.SlotCandidate, len(labels))
	for i, l := range labels {
		cands[i] = appointment.CandidateFromLabel(l, strconv.Itoa(i))
	}
	slot, ok := appointment.SelectBestSlot(cands, w)
	if !ok {
		f.logger().Info("nothing inside the window", zap.Int("offered", len(cands)))
		return nil, nil
	}

	sol, err := f.answerChallenge(ctx, s, p)
	if err != nil {
		return nil, err
	}
	n, _ := strconv.Atoi(slot.Token)
	var clicked bool
	if err := s.ExecuteScript(ctx, site.ScriptPickRadio(n), &clicked); err != nil {
		return nil, err
	}
	if !clicked {
		f.logger().Warn("slot radio missing", zap.Int("position", n))
	}
	if err := s.ExecuteScript(ctx, site.ScriptCommitListSlot, nil); err != nil {
		return nil, err
	}
	f.logger().Info("slot committed", zap.String("date", slot.Date))
	return &Pick{Slot: slot, Captcha: sol}, nil
}

func (f *Flow) pickFromGrid(ctx context.Context, s browser.Session, p *appointment.CustomerProfile, w appointment.Window) (*Pick, error) {
	var g appointment.SlotGrid
	if err := s.ExecuteScript(ctx, site.ScriptReadGrid, &g); err != nil {
		return nil, fmt.Errorf("read slot grid: %w", err)
	}
	slot, ok := appointment.SelectGridSlot(g, w)
	if !ok {
		f.logger().Info("nothing inside the window", zap.Int("dates", len(g.Dates)), zap.Int("times", len(g.Rows)))
		return nil, nil
	}

	sol, err := f.answerChallenge(ctx, s, p)
	if err != nil {
		return nil, err
	}
	if err := s.ExecuteScript(ctx, site.ScriptCommitGridSlot(slot.Token), nil); err != nil {
		return nil, err
	}
	f.logger().Info("slot committed", zap.String("date", slot.Date), zap.String("time", slot.Time))
	return &Pick{Slot: slot, Captcha: sol}, nil
}
