package components

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/tis24dev/snapship/internal/tui"
)

// ValidatorFunc checks a single field value.
type ValidatorFunc func(value string) error

type fieldValidator struct {
	label      string
	validators []ValidatorFunc
}

// Form is a themed tview.Form whose fields are validated in insertion
// order before the submit handler runs.
type Form struct {
	*tview.Form
	app        *tui.App
	validators []fieldValidator
	onSubmit   func(values map[string]string) error
	onCancel   func()
	parentView tview.Primitive
}

// NewForm creates an empty themed form.
func NewForm(app *tui.App) *Form {
	form := tview.NewForm().
		SetButtonsAlign(tview.AlignCenter).
		SetButtonBackgroundColor(tui.Accent).
		SetButtonTextColor(tcell.ColorBlack).
		SetLabelColor(tui.Light).
		SetFieldBackgroundColor(tui.Dark).
		SetFieldTextColor(tcell.ColorWhite)
	return &Form{Form: form, app: app}
}

// AddInput adds a text field checked by validators on submit.
func (f *Form) AddInput(label, value string, width int, validators ...ValidatorFunc) *Form {
	f.Form.AddInputField(label, value, width, nil, nil)
	f.addValidators(label, validators)
	return f
}

// AddSecret adds a masked field checked by validators on submit.
func (f *Form) AddSecret(label, value string, width int, validators ...ValidatorFunc) *Form {
	f.Form.AddPasswordField(label, value, width, '*', nil)
	f.addValidators(label, validators)
	return f
}

func (f *Form) addValidators(label string, validators []ValidatorFunc) {
	if len(validators) > 0 {
		f.validators = append(f.validators, fieldValidator{label: label, validators: validators})
	}
}

// SetOnSubmit sets the handler called with validated values.
func (f *Form) SetOnSubmit(handler func(values map[string]string) error) *Form {
	f.onSubmit = handler
	return f
}

// SetOnCancel sets the handler called by the cancel button.
func (f *Form) SetOnCancel(handler func()) *Form {
	f.onCancel = handler
	return f
}

// SetParentView sets the primitive restored after an error modal.
func (f *Form) SetParentView(parent tview.Primitive) *Form {
	f.parentView = parent
	return f
}

// AddSubmitButton validates, calls the submit handler and stops the app on
// success. Failures are shown in a modal and the form stays open.
func (f *Form) AddSubmitButton(label string) *Form {
	f.Form.AddButton(label, func() {
		if f.onSubmit != nil {
			values := f.Values()
			if err := f.Validate(values); err != nil {
				f.showError("Validation Error", err)
				return
			}
			if err := f.onSubmit(values); err != nil {
				f.showError("Error", err)
				return
			}
		}
		f.app.Stop()
	})
	return f
}

// AddCancelButton calls the cancel handler and stops the app.
func (f *Form) AddCancelButton(label string) *Form {
	f.Form.AddButton(label, func() {
		if f.onCancel != nil {
			f.onCancel()
		}
		f.app.Stop()
	})
	return f
}

func (f *Form) showError(title string, err error) {
	returnTo := f.parentView
	if returnTo == nil {
		returnTo = f.Form
	}
	ShowErrorInline(f.app, title, err.Error(), returnTo)
}

// Values returns the current value of every input, checkbox and dropdown
// keyed by label.
func (f *Form) Values() map[string]string {
	values := make(map[string]string)
	for i := 0; i < f.Form.GetFormItemCount(); i++ {
		switch item := f.Form.GetFormItem(i).(type) {
		case *tview.InputField:
			values[item.GetLabel()] = item.GetText()
		case *tview.Checkbox:
			if item.IsChecked() {
				values[item.GetLabel()] = "true"
			} else {
				values[item.GetLabel()] = "false"
			}
		case *tview.DropDown:
			_, option := item.GetCurrentOption()
			values[item.GetLabel()] = option
		}
	}
	return values
}

// Validate runs the field validators in insertion order and returns the
// first failure.
func (f *Form) Validate(values map[string]string) error {
	for _, fv := range f.validators {
		for _, validate := range fv.validators {
			if err := validate(values[fv.label]); err != nil {
				return err
			}
		}
	}
	return nil
}
