package appointment

import "time"

type DocType string

const (
	DocDNI      DocType = "dni"
	DocNIE      DocType = "nie"
	DocPassport DocType = "passport"
)

// OperationType is the numeric procedure code the site expects in the acInfo URL.
type OperationType string

const (
	OpAutorizacionRegreso    OperationType = "20"
	OpBrexit                 OperationType = "4094"
	OpCartaInvitacion        OperationType = "4037"
	OpCertificadosNIE        OperationType = "4096"
	OpCertificadosNIENoCom   OperationType = "4079"
	OpCertificadosResidencia OperationType = "4049"
	OpCertificadosUE         OperationType = "4038"
	OpRecogidaTarjeta        OperationType = "4036"
	OpSolicitudAsilo         OperationType = "4078"
	OpTomaHuellas            OperationType = "4010"
	OpAsignacionNIE          OperationType = "4031"
	OpFingerprint            OperationType = "4047"
	OpRenovacionAsilo        OperationType = "4067"
)

// CaptchaMode selects how challenges on the slot page are answered.
type CaptchaMode string

const (
	CaptchaAuto   CaptchaMode = "auto"
	CaptchaManual CaptchaMode = "manual"
)

// CustomerProfile is everything a task needs to fill the booking flow for one customer.
// Only FirstLoad changes while a task runs.
type CustomerProfile struct {
	CustomerID string `mapstructure:"customer_id" json:"customer_id"`

	DocType     DocType `mapstructure:"doc_type" json:"doc_type"`
	DocValue    string  `mapstructure:"doc_value" json:"doc_value"`
	Name        string  `mapstructure:"name" json:"name"`
	YearOfBirth string  `mapstructure:"year_of_birth" json:"year_of_birth"`
	Country     string  `mapstructure:"country" json:"country"`
	Phone       string  `mapstructure:"phone" json:"phone"`
	Email       string  `mapstructure:"email" json:"email"`
	Reason      string  `mapstructure:"reason" json:"reason"`

	Province  Province      `mapstructure:"province" json:"province"`
	Operation OperationType `mapstructure:"operation" json:"operation"`

	AutoOffice       bool     `mapstructure:"auto_office" json:"auto_office"`
	PreferredOffices []string `mapstructure:"offices" json:"offices"`
	ExceptOffices    []string `mapstructure:"except_offices" json:"except_offices"`

	MinDate string `mapstructure:"min_date" json:"min_date"`
	MaxDate string `mapstructure:"max_date" json:"max_date"`
	MinTime string `mapstructure:"min_time" json:"min_time"`
	MaxTime string `mapstructure:"max_time" json:"max_time"`

	// WaitExactTime holds [minute, second] pairs; the flow pauses before office
	// selection until the wall clock matches one of them.
	WaitExactTime [][2]int `mapstructure:"wait_exact_time" json:"wait_exact_time"`

	CaptchaMode     CaptchaMode `mapstructure:"captcha_mode" json:"captcha_mode"`
	CaptchaAPIKey   string      `mapstructure:"captcha_api_key" json:"captcha_api_key,omitempty"`
	SMSWebhookToken string      `mapstructure:"sms_webhook_token" json:"sms_webhook_token,omitempty"`

	SaveArtifacts bool `mapstructure:"save_artifacts" json:"save_artifacts"`
	UseProxy      bool `mapstructure:"use_proxy" json:"use_proxy"`

	FirstLoad bool `mapstructure:"-" json:"-"`
}

// RegionKey identifies the single task allowed to run for a customer and province.
func (p *CustomerProfile) RegionKey() string {
	id := p.CustomerID
	if id == "" {
		id = p.DocValue
	}
	return id + ":" + string(p.Province)
}

// Window extracts the slot window configured on the profile.
func (p *CustomerProfile) Window() (Window, error) {
	return ParseWindow(p.MinDate, p.MaxDate, p.MinTime, p.MaxTime)
}

// SlotCandidate is one bookable opening read off the slot page.
type SlotCandidate struct {
	Date  string // dd/mm/yyyy
	Time  string // HH:MM, empty for the list layout
	Token string
}

// ConfirmedResult is what a successful task hands back to whoever reports it.
type ConfirmedResult struct {
	Code        string
	Screenshot  []byte
	ConfirmedAt time.Time
}
