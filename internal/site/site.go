// Package site holds everything specific to the cita previa extranjería
// pages: URLs, the text markers that identify each page, element locators
// and the page scripts the flow calls.
package site

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/cita-scheduler/internal/browser"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/failure"
)

const (
	BaseURL    = "https://icp.administracionelectronica.gob.es"
	LandingURL = BaseURL + "/icpplus/index.html"
)

// Text markers.
const (
	MarkerReady         = "CITA PREVIA EXTRANJERÍA"
	MarkerListLayout    = "DISPONE DE 5 MINUTOS"
	MarkerGridLayout    = "Seleccione una de las siguientes citas disponibles"
	MarkerOfficePage    = "Seleccione la oficina donde solicitar la cita"
	MarkerNoSlots       = "En este momento no hay citas disponibles"
	MarkerConfirmData   = "Debe confirmar los datos de la cita asignada"
	MarkerConfirmed     = "CITA CONFIRMADA"
	MarkerWrongSMSCode  = "Lo sentimos, el código introducido no es correcto"
	MarkerTooManyTitle  = "429 Too Many Requests"
	MarkerRejectedTitle = "Request Rejected"
	MarkerRejectedBody  = "The requested URL was rejected"
)

// Locators.
var (
	ProvinceSelect = browser.XPath(`//*[@id="form"]`)
	AcceptButton   = browser.ID("btnAceptar")
	CookieClose    = browser.ID("cookie_action_close_header")

	EnterButton   = browser.ID("btnEntrar")
	SubmitButton  = browser.ID("btnEnviar")
	ConsultButton = browser.ID("btnConsultar")

	DocNumber   = browser.ID("txtIdCitado")
	Name        = browser.ID("txtDesCitado")
	YearOfBirth = browser.ID("txtAnnoCitado")
	Country     = browser.ID("txtPaisNac")

	OfficeSelect = browser.ID("idSede")
	NextButton   = browser.ID("btnSiguiente")

	Phone        = browser.ID("txtTelefonoCitado")
	Email        = browser.ID("emailUNO")
	EmailConfirm = browser.ID("emailDOS")
	Observations = browser.ID("txtObservaciones")

	SlotLinks  = browser.CSS("[id^=lCita_]")
	SlotGrid   = browser.ID("CitaMAP_HORAS")
	SlotRadios = browser.CSS("input[type='radio'][name='rdbCita']")

	RecaptchaSiteKey  = browser.ID("reCAPTCHA_site_key")
	RecaptchaAction   = browser.ID("action")
	RecaptchaResponse = browser.ID("g-recaptcha-response")
	CaptchaImage      = browser.CSS("img.img-thumbnail")
	CaptchaInput      = browser.ID("captcha")

	SMSCode       = browser.ID("txtCodigoVerificacion")
	AcceptTerms   = browser.ID("chkTotal")
	EmailCopy     = browser.ID("enviarCorreo")
	ConfirmButton = browser.ID("btnConfirmar")
	Justificante  = browser.ID("justificanteFinal")
)

var docRadios = map[appointment.DocType]browser.Locator{
	appointment.DocPassport: browser.ID("rdbTipoDocPas"),
	appointment.DocNIE:      browser.ID("rdbTipoDocNie"),
	appointment.DocDNI:      browser.ID("rdbTipoDocDni"),
}

// DocRadio is the radio button for a document type.
func DocRadio(d appointment.DocType) (browser.Locator, bool) {
	l, ok := docRadios[d]
	return l, ok
}

// Target is the pair of deep links and menu values for one profile.
type Target struct {
	Category       string
	OperationParam string
	Province       appointment.Province
	Operation      appointment.OperationType
}

// TargetFor resolves the profile's province to its operation config.
func TargetFor(p *appointment.CustomerProfile) Target {
	oc := appointment.OperationConfigFor(p.Province)
	return Target{
		Category:       oc.Category,
		OperationParam: oc.OperationParam,
		Province:       p.Province,
		Operation:      p.Operation,
	}
}

// ProvinceURL is the first fast-forward link.
func (t Target) ProvinceURL() string {
	return fmt.Sprintf("%s/%s/citar?p=%s", BaseURL, t.Category, t.Province)
}

// OperationURL is the second fast-forward link.
func (t Target) OperationURL() string {
	return fmt.Sprintf("%s/%s/acInfo?%s=%s", BaseURL, t.Category, t.OperationParam, t.Operation)
}

// ProvinceOption is the value of the province entry in the landing dropdown.
func (t Target) ProvinceOption() string {
	return fmt.Sprintf("/%s/citar?p=%s&locale=es", t.Category, t.Province)
}

// OperationSelect is the operation dropdown on the province page.
func (t Target) OperationSelect() browser.Locator {
	return browser.ID(t.OperationParam)
}

// CheckBlocked reports a rate-limit or WAF rejection page as a failure.
func CheckBlocked(ctx context.Context, s browser.Session, op string) error {
	title, err := s.Title(ctx)
	if err != nil {
		return err
	}
	return blockedBy(title, "", op)
}

// CheckBlockedText is CheckBlocked when the body text is already at hand.
func CheckBlockedText(ctx context.Context, s browser.Session, body, op string) error {
	title, err := s.Title(ctx)
	if err != nil {
		return err
	}
	return blockedBy(title, body, op)
}

func blockedBy(title, body, op string) error {
	switch {
	case strings.Contains(title, MarkerTooManyTitle) || strings.Contains(body, MarkerTooManyTitle):
		return failure.New(failure.RateLimited, op, fmt.Errorf("page title %q", title))
	case strings.Contains(title, MarkerRejectedTitle) || strings.Contains(body, MarkerRejectedBody):
		return failure.New(failure.Rejected, op, fmt.Errorf("page title %q", title))
	}
	return nil
}
