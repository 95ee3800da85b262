// Package sitetest lays out a scripted copy of the booking site on a
// browsertest.Session, from the instructions page to the justificante.
package sitetest

import (
	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/browser/browsertest"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/site"
)

// Page names.
const (
	Instructions = "instructions"
	Personal     = "personal"
	Request      = "request"
	NoSlots      = "no-slots"
	Offices      = "offices"
	Contact      = "contact"
	Slots        = "slots"
	ConfirmData  = "confirm-data"
	Confirmed    = "confirmed"
	WrongCode    = "wrong-code"
	Landing      = "landing"
	Menu         = "menu"
	Blank        = "blank"
)

type Layout int

const (
	Grid Layout = iota
	List
)

type Options struct {
	Layout     Layout
	Grid       appointment.SlotGrid
	ListLabels []string
	// Offices offered besides the empty placeholder.
	Offices []browser.Option
	// NoSlotsFirst shows the "no appointments" page before the offices.
	NoSlotsFirst bool
	Recaptcha    bool
	ImageCaptcha bool
	WrongCode    bool
	Code         string
	// BrokenFastForward makes the deep link land on an empty page.
	BrokenFastForward bool
	// NoWatcher leaves the landing page menus out.
	NoWatcher bool
}

// Build adds every page to s and routes the fast-forward operation link of
// t to the instructions page.
func Build(s *browsertest.Session, t site.Target, o Options) *browsertest.Session {
	press := func(l browser.Locator) string { return "press:" + l.String() }
	if o.Code == "" {
		o.Code = "ABC123XYZ"
	}

	s.AddPage(Instructions, &browsertest.Page{
		Title:    "Cita Previa",
		Text:     site.MarkerReady + "\nInstrucciones",
		Elements: map[browser.Locator]*browsertest.Element{site.EnterButton: {}},
		Next:     map[string]string{press(site.EnterButton): Personal},
	})

	personal := map[browser.Locator]*browsertest.Element{
		site.DocNumber:    {},
		site.Name:         {},
		site.YearOfBirth:  {},
		site.SubmitButton: {},
		site.Country:      {Options: []browser.Option{{Value: "149", Text: "RUSIA"}, {Value: "104", Text: "UCRANIA"}}},
	}
	for _, d := range []appointment.DocType{appointment.DocNIE, appointment.DocPassport, appointment.DocDNI} {
		l, _ := site.DocRadio(d)
		personal[l] = &browsertest.Element{}
	}
	s.AddPage(Personal, &browsertest.Page{
		Elements: personal,
		Next:     map[string]string{press(site.SubmitButton): Request},
	})

	first := Offices
	if o.NoSlotsFirst {
		first = NoSlots
	}
	s.AddPage(Request, &browsertest.Page{
		Elements: map[browser.Locator]*browsertest.Element{site.ConsultButton: {}},
		Next:     map[string]string{"script:" + site.ScriptRequestOffices: first},
	})
	s.AddPage(NoSlots, &browsertest.Page{
		Text: site.MarkerNoSlots,
		Next: map[string]string{"reload": Offices},
	})

	offices := append([]browser.Option{{Value: "", Text: "Seleccionar oficina"}}, o.Offices...)
	s.AddPage(Offices, &browsertest.Page{
		Text: site.MarkerOfficePage,
		Elements: map[browser.Locator]*browsertest.Element{
			site.OfficeSelect: {Text: "<option></option>", Options: offices},
			site.NextButton:   {},
		},
		Next: map[string]string{press(site.NextButton): Contact},
	})

	s.AddPage(Contact, &browsertest.Page{
		Elements: map[browser.Locator]*browsertest.Element{
			site.Phone:        {},
			site.Email:        {},
			site.EmailConfirm: {},
			site.Observations: {},
		},
		Next: map[string]string{"script:" + site.ScriptSubmitContact: Slots},
	})

	slots := &browsertest.Page{
		Elements: map[browser.Locator]*browsertest.Element{},
		Scripts:  map[string]any{},
		Next:     map[string]string{},
	}
	switch o.Layout {
	case List:
		slots.Text = site.MarkerListLayout + "\nSeleccione una cita"
		lines := ""
		for i, l := range o.ListLabels {
			if i > 0 {
				lines += "\n"
			}
			lines += l
		}
		slots.Elements[site.SlotLinks] = &browsertest.Element{Text: lines}
		slots.Scripts["rdbCita"] = true
		slots.Next["script:"+site.ScriptCommitListSlot] = ConfirmData
	default:
		slots.Text = site.MarkerGridLayout
		slots.Scripts["CitaMAP_HORAS"] = o.Grid
		slots.Next["script:confirmarHueco"] = ConfirmData
	}
	if o.Recaptcha {
		slots.Elements[site.RecaptchaSiteKey] = &browsertest.Element{Attrs: map[string]string{"value": "site-key-1"}}
		slots.Elements[site.RecaptchaAction] = &browsertest.Element{Attrs: map[string]string{"value": "solicitud"}}
	}
	if o.ImageCaptcha {
		slots.Elements[site.CaptchaImage] = &browsertest.Element{Attrs: map[string]string{"src": "data:image/png;base64,aW1n"}}
		slots.Elements[site.CaptchaInput] = &browsertest.Element{}
	}
	s.AddPage(Slots, slots)

	after := Confirmed
	if o.WrongCode {
		after = WrongCode
	}
	s.AddPage(ConfirmData, &browsertest.Page{
		Text: site.MarkerConfirmData,
		Elements: map[browser.Locator]*browsertest.Element{
			site.SMSCode:       {},
			site.AcceptTerms:   {},
			site.EmailCopy:     {},
			site.ConfirmButton: {},
		},
		Next: map[string]string{press(site.ConfirmButton): after},
	})
	s.AddPage(Confirmed, &browsertest.Page{
		Text:     site.MarkerConfirmed + "\n" + o.Code,
		Elements: map[browser.Locator]*browsertest.Element{site.Justificante: {Text: o.Code}},
	})
	s.AddPage(WrongCode, &browsertest.Page{Text: site.MarkerWrongSMSCode})

	s.AddPage(Blank, &browsertest.Page{Text: "Se ha producido un error"})
	if !o.NoWatcher {
		s.AddPage(Landing, &browsertest.Page{
			Elements: map[browser.Locator]*browsertest.Element{
				site.ProvinceSelect: {Options: []browser.Option{{Value: t.ProvinceOption(), Text: string(t.Province)}}},
				site.AcceptButton:   {},
			},
			Next: map[string]string{press(site.AcceptButton): Menu},
		})
		s.AddPage(Menu, &browsertest.Page{
			Elements: map[browser.Locator]*browsertest.Element{
				site.CookieClose:     {},
				t.OperationSelect(): {Options: []browser.Option{{Value: string(t.Operation)}}},
				site.AcceptButton:    {},
			},
			Next: map[string]string{press(site.AcceptButton): Instructions},
		})
		s.Route(site.LandingURL, Landing)
	}

	if o.BrokenFastForward {
		s.Route(t.OperationURL(), Blank)
	} else {
		s.Route(t.OperationURL(), Instructions)
	}
	return s
}
