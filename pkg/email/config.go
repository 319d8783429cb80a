package email

// Config holds email settings. Without a server token the service falls back
// to DevSender, which writes messages to DevDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@paygate.local"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@paygate.local"`
	DevDir               string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}
