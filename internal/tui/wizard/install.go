// Package wizard implements the interactive `snapship install` form.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/tui"
	"github.com/tis24dev/snapship/internal/tui/components"
)

// ErrInstallCancelled is returned when the user aborts the wizard.
var ErrInstallCancelled = errors.New("installation aborted by user")

// Form labels, also the keys of the submitted values.
const (
	labelStaging       = "Staging directory"
	labelSources       = "Source paths (comma separated)"
	labelDBEngine      = "Database engine"
	labelDBService     = "  Database container"
	labelDBUser        = "  Database user"
	labelDBPassword    = "  Database password"
	labelDBName        = "  Database name"
	labelDelivery      = "Delivery"
	labelTelegramToken = "  Telegram bot token"
	labelTelegramChat  = "  Telegram chat ID"
	labelS3Endpoint    = "  S3 endpoint"
	labelS3Bucket      = "  S3 bucket"
	labelS3AccessKey   = "  S3 access key"
	labelS3SecretKey   = "  S3 secret key"
	labelPassphrase    = "Encryption passphrase (empty = off)"
	labelCronTime      = "Daily run time HH:MM (empty = no cron)"
)

const dbEngineNone = "none"

// InstallData holds the answers collected by the wizard.
type InstallData struct {
	ConfigPath string
	StagingDir string
	Sources    []string

	DBEngine   string // postgres | mysql, empty when no dump
	DBService  string
	DBUser     string
	DBPassword string
	DBName     string

	DeliveryMethod   string
	TelegramBotToken string
	TelegramChatID   string
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string

	Passphrase string
	CronTime   string // HH:MM, empty when no schedule should be installed
}

// DefaultInstallData returns the answers pre-filled in the form.
func DefaultInstallData(configPath string) *InstallData {
	return &InstallData{
		ConfigPath:     configPath,
		StagingDir:     "/var/tmp/snapship",
		DeliveryMethod: config.DeliveryTelegram,
		CronTime:       "02:00",
	}
}

// EnvValues maps the answers to configuration keys.
func (d *InstallData) EnvValues() map[string]string {
	values := map[string]string{
		"STAGING_DIR":           d.StagingDir,
		"SOURCE_PATHS":          strings.Join(d.Sources, ","),
		"DB_SERVICE":            d.DBService,
		"DELIVERY_METHOD":       d.DeliveryMethod,
		"ENCRYPTION_PASSPHRASE": d.Passphrase,
	}
	if d.DBService != "" {
		values["DB_ENGINE"] = d.DBEngine
		values["DB_USER"] = d.DBUser
		values["DB_PASSWORD"] = d.DBPassword
		values["DB_NAME"] = d.DBName
	}
	switch d.DeliveryMethod {
	case config.DeliveryTelegram:
		values["TELEGRAM_MODE"] = "personal"
		values["TELEGRAM_BOT_TOKEN"] = d.TelegramBotToken
		values["TELEGRAM_CHAT_ID"] = d.TelegramChatID
	case config.DeliveryS3:
		values["S3_ENDPOINT"] = d.S3Endpoint
		values["S3_BUCKET"] = d.S3Bucket
		values["S3_ACCESS_KEY"] = d.S3AccessKey
		values["S3_SECRET_KEY"] = d.S3SecretKey
	}
	return values
}

// Validate checks the answers with the same rules a run applies to the
// configuration file.
func (d *InstallData) Validate() error {
	if _, err := CronSchedule(d.CronTime); err != nil {
		return err
	}
	return config.NewFromValues(d.EnvValues()).Validate()
}

// CronSchedule converts "HH:MM" to a daily cron expression. An empty time
// yields an empty schedule.
func CronSchedule(cronTime string) (string, error) {
	cronTime = strings.TrimSpace(cronTime)
	if cronTime == "" {
		return "", nil
	}
	h, m, ok := strings.Cut(cronTime, ":")
	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)
	if !ok || errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("run time must be HH:MM (got %q)", cronTime)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// ApplyInstallData writes the answers into baseTemplate, or into the
// embedded default template when baseTemplate is empty. Keys are applied in
// a fixed order so the output is stable.
func ApplyInstallData(baseTemplate string, data *InstallData) (string, error) {
	if data == nil {
		return "", errors.New("no install data")
	}
	if _, err := CronSchedule(data.CronTime); err != nil {
		return "", err
	}
	template := baseTemplate
	if strings.TrimSpace(template) == "" {
		template = config.DefaultEnvTemplate()
	}
	values := data.EnvValues()
	for _, key := range []string{
		"SOURCE_PATHS", "DB_ENGINE", "DB_SERVICE", "DB_USER", "DB_PASSWORD", "DB_NAME",
		"STAGING_DIR", "ENCRYPTION_PASSPHRASE", "DELIVERY_METHOD",
		"TELEGRAM_MODE", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET",
	} {
		if v, ok := values[key]; ok {
			template = config.SetEnvValue(template, key, v)
		}
	}
	return template, nil
}

// newInstallForm builds the wizard form. On a valid submit the answers are
// stored in data and submitted is set.
func newInstallForm(app *tui.App, data *InstallData, submitted *bool) *components.Form {
	form := components.NewForm(app)

	form.AddInput(labelStaging, data.StagingDir, 40, required("staging directory"))
	form.AddInput(labelSources, strings.Join(data.Sources, ","), 60)

	dbFields := []string{labelDBService, labelDBUser, labelDBPassword, labelDBName}
	engines := []string{dbEngineNone, "postgres", "mysql"}
	form.Form.AddDropDown(labelDBEngine, engines, indexOf(engines, data.DBEngine), func(option string, _ int) {
		setDisabled(form, dbFields, option == dbEngineNone)
	})
	form.AddInput(labelDBService, data.DBService, 30)
	form.AddInput(labelDBUser, data.DBUser, 30)
	form.AddSecret(labelDBPassword, data.DBPassword, 30)
	form.AddInput(labelDBName, data.DBName, 30)

	telegramFields := []string{labelTelegramToken, labelTelegramChat}
	s3Fields := []string{labelS3Endpoint, labelS3Bucket, labelS3AccessKey, labelS3SecretKey}
	methods := []string{config.DeliveryTelegram, config.DeliveryS3}
	form.Form.AddDropDown(labelDelivery, methods, indexOf(methods, data.DeliveryMethod), func(option string, _ int) {
		setDisabled(form, telegramFields, option != config.DeliveryTelegram)
		setDisabled(form, s3Fields, option != config.DeliveryS3)
	})
	form.AddSecret(labelTelegramToken, data.TelegramBotToken, 50)
	form.AddInput(labelTelegramChat, data.TelegramChatID, 20)
	form.AddInput(labelS3Endpoint, data.S3Endpoint, 40)
	form.AddInput(labelS3Bucket, data.S3Bucket, 30)
	form.AddInput(labelS3AccessKey, data.S3AccessKey, 30)
	form.AddSecret(labelS3SecretKey, data.S3SecretKey, 40)

	form.AddSecret(labelPassphrase, data.Passphrase, 40)
	form.AddInput(labelCronTime, data.CronTime, 6)

	// Re-run the dropdown callbacks so dependent fields start in the
	// right state.
	for _, label := range []string{labelDBEngine, labelDelivery} {
		if dd, ok := form.Form.GetFormItemByLabel(label).(*tview.DropDown); ok {
			idx, _ := dd.GetCurrentOption()
			dd.SetCurrentOption(idx)
		}
	}

	form.SetOnSubmit(func(values map[string]string) error {
		answers := *data
		answers.fill(values)
		if err := answers.Validate(); err != nil {
			return err
		}
		*data = answers
		*submitted = true
		return nil
	})
	return form
}

func (d *InstallData) fill(values map[string]string) {
	d.StagingDir = strings.TrimSpace(values[labelStaging])
	d.Sources = nil
	for _, src := range strings.Split(values[labelSources], ",") {
		if src = strings.TrimSpace(src); src != "" {
			d.Sources = append(d.Sources, src)
		}
	}

	d.DBEngine, d.DBService, d.DBUser, d.DBPassword, d.DBName = "", "", "", "", ""
	if engine := values[labelDBEngine]; engine != dbEngineNone {
		d.DBEngine = engine
		d.DBService = strings.TrimSpace(values[labelDBService])
		d.DBUser = strings.TrimSpace(values[labelDBUser])
		d.DBPassword = values[labelDBPassword]
		d.DBName = strings.TrimSpace(values[labelDBName])
	}

	d.DeliveryMethod = values[labelDelivery]
	d.TelegramBotToken, d.TelegramChatID = "", ""
	d.S3Endpoint, d.S3Bucket, d.S3AccessKey, d.S3SecretKey = "", "", "", ""
	switch d.DeliveryMethod {
	case config.DeliveryTelegram:
		d.TelegramBotToken = strings.TrimSpace(values[labelTelegramToken])
		d.TelegramChatID = strings.TrimSpace(values[labelTelegramChat])
	case config.DeliveryS3:
		d.S3Endpoint = strings.TrimSpace(values[labelS3Endpoint])
		d.S3Bucket = strings.TrimSpace(values[labelS3Bucket])
		d.S3AccessKey = strings.TrimSpace(values[labelS3AccessKey])
		d.S3SecretKey = values[labelS3SecretKey]
	}

	d.Passphrase = values[labelPassphrase]
	d.CronTime = strings.TrimSpace(values[labelCronTime])
}

// RunInstallWizard shows the install form pre-filled with defaults and
// returns the validated answers.
func RunInstallWizard(ctx context.Context, defaults *InstallData) (*InstallData, error) {
	if defaults == nil {
		defaults = DefaultInstallData("")
	}
	data := *defaults
	submitted := false

	app := tui.NewApp()
	form := newInstallForm(app, &data, &submitted)
	form.AddSubmitButton("Install")
	form.AddCancelButton("Cancel")

	header := tview.NewTextView().
		SetDynamicColors(true).
		SetText("Configure what snapship backs up and where it delivers the archive.\n" +
			"[yellow]TAB/arrows[white] move | [yellow]ENTER[white] opens dropdowns and presses buttons")
	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf("[yellow]Configuration file:[white] %s", data.ConfigPath))

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(form.Form, 0, 1, true).
		AddItem(footer, 1, 0, false)
	root := tui.Frame(layout, "snapship install")
	form.SetParentView(root)

	form.Form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		item, button := form.Form.GetFocusedItemIndex()
		if item < 0 && button >= 0 {
			switch event.Key() {
			case tcell.KeyLeft:
				return tcell.NewEventKey(tcell.KeyBacktab, 0, tcell.ModNone)
			case tcell.KeyRight:
				return tcell.NewEventKey(tcell.KeyTab, 0, tcell.ModNone)
			}
		}
		return event
	})

	if err := app.SetRoot(root, true).SetFocus(form.Form).Run(); err != nil {
		return nil, fmt.Errorf("install wizard: %w", err)
	}
	if !submitted || ctx.Err() != nil {
		return nil, ErrInstallCancelled
	}
	return &data, nil
}

// ConfirmOverwrite asks whether an existing configuration file may be
// replaced. It returns true without asking when the file does not exist.
func ConfirmOverwrite(configPath string) (bool, error) {
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	overwrite := false
	app := tui.NewApp()
	components.ShowConfirm(app, "Configuration Exists",
		fmt.Sprintf("A configuration already exists at\n[yellow]%s[white]\n\nOverwrite it?", configPath),
		func() { overwrite = true }, nil)
	if err := app.Run(); err != nil {
		return false, err
	}
	return overwrite, nil
}

func required(name string) components.ValidatorFunc {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func setDisabled(form *components.Form, labels []string, disabled bool) {
	for _, label := range labels {
		if field, ok := form.Form.GetFormItemByLabel(label).(*tview.InputField); ok {
			field.SetDisabled(disabled)
		}
	}
}

func indexOf(options []string, value string) int {
	for i, o := range options {
		if o == value {
			return i
		}
	}
	return 0
}
