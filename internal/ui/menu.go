// Package ui holds the interactive kernel-parameter menu. The flags-only
// path in cmd covers scripting; this covers operators picking parameters
// by hand.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"netsteer/internal/bootparams"
	"netsteer/internal/cores"
)

// ApplyFunc stages the selected parameters and returns the resulting
// boot line.
type ApplyFunc func(keys []string, coreRange string) (string, error)

type step int

const (
	stepSelectParams step = iota
	stepCoreRange
	stepConfirm
	stepApplying
	stepDone
	stepError
)

type Model struct {
	params    []bootparams.Param
	selected  []bool
	cursor    int
	coreRange string
	textInput textinput.Model
	inputErr  error
	confirm   int
	bootLine  string
	apply     ApplyFunc
	err       error
	width     int
	height    int
	step      step
}

func NewModel(defaultRange string, apply ApplyFunc) Model {
	params := bootparams.Catalog()

	// Everything starts selected; operators deselect what they do not
	// want, same as the flags path defaulting to the full catalog.
	selected := make([]bool, len(params))
	for i := range selected {
		selected[i] = true
	}

	if defaultRange == "" {
		defaultRange = bootparams.DefaultCoreRange
	}
	ti := textinput.New()
	ti.Placeholder = bootparams.DefaultCoreRange
	ti.SetValue(defaultRange)
	ti.CharLimit = 32
	ti.Width = 20
	ti.PromptStyle = subtitleStyle
	ti.TextStyle = valueStyle

	return Model{
		params:    params,
		selected:  selected,
		coreRange: defaultRange,
		textInput: ti,
		apply:     apply,
		width:     80,
		height:    24,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

type applyResultMsg struct {
	line string
	err  error
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case applyResultMsg:
		if msg.err != nil {
			m.err = msg.err
			m.step = stepError
		} else {
			m.bootLine = msg.line
			m.step = stepDone
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.step != stepCoreRange || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}

		case "up", "k":
			if m.step != stepCoreRange {
				m = m.moveCursor(-1)
				return m, nil
			}

		case "down", "j":
			if m.step != stepCoreRange {
				m = m.moveCursor(1)
				return m, nil
			}

		case " ":
			if m.step == stepSelectParams {
				m.selected[m.cursor] = !m.selected[m.cursor]
				return m, nil
			}

		case "enter":
			return m.handleEnter()

		case "esc":
			if m.step > stepSelectParams && m.step < stepApplying {
				m.step--
				if m.step == stepCoreRange && !m.needsCores() {
					m.step--
				}
				if m.step == stepCoreRange {
					m.textInput.Focus()
					return m, textinput.Blink
				}
				return m, nil
			}
		}
	}

	if m.step == stepCoreRange {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) moveCursor(delta int) Model {
	switch m.step {
	case stepSelectParams:
		m.cursor += delta
		if m.cursor < 0 {
			m.cursor = len(m.params) - 1
		}
		if m.cursor >= len(m.params) {
			m.cursor = 0
		}
	case stepConfirm:
		m.confirm = (m.confirm + 1) % 2
	}
	return m
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	switch m.step {
	case stepSelectParams:
		if len(m.selectedKeys()) == 0 {
			return m, nil
		}
		if m.needsCores() {
			m.step = stepCoreRange
			m.inputErr = nil
			m.textInput.Focus()
			return m, textinput.Blink
		}
		m.confirm = 0
		m.step = stepConfirm
		return m, nil

	case stepCoreRange:
		set, err := cores.Parse(m.textInput.Value())
		if err != nil {
			m.inputErr = err
			return m, nil
		}
		m.coreRange = set.Ranges()
		m.inputErr = nil
		m.confirm = 0
		m.step = stepConfirm
		return m, nil

	case stepConfirm:
		if m.confirm == 1 {
			return m, tea.Quit
		}
		m.step = stepApplying
		return m, m.applySelection()

	case stepDone, stepError:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) applySelection() tea.Cmd {
	keys := m.selectedKeys()
	coreRange := m.coreRange
	apply := m.apply
	return func() tea.Msg {
		line, err := apply(keys, coreRange)
		return applyResultMsg{line: line, err: err}
	}
}

// selectedKeys returns the checked parameters in catalog order.
func (m Model) selectedKeys() []string {
	var keys []string
	for i, p := range m.params {
		if m.selected[i] {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// needsCores reports whether any checked parameter takes a core range.
func (m Model) needsCores() bool {
	for i, p := range m.params {
		if m.selected[i] && p.NeedsCores() {
			return true
		}
	}
	return false
}

// preview renders the boot-line tokens the current selection produces.
func (m Model) preview() string {
	var tokens []string
	for i, p := range m.params {
		if m.selected[i] {
			tokens = append(tokens, p.Render(m.coreRange))
		}
	}
	return strings.Join(tokens, " ")
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(" Kernel Boot Parameters "))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  Isolation range: %s", m.coreRange)))
	b.WriteString("\n\n")

	switch m.step {
	case stepSelectParams:
		b.WriteString(m.renderParamSelection())
	case stepCoreRange:
		b.WriteString(m.renderCoreRangeInput())
	case stepConfirm:
		b.WriteString(m.renderConfirmation())
	case stepApplying:
		b.WriteString("  Updating boot configuration...")
	case stepDone:
		b.WriteString(m.renderSuccess())
	case stepError:
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %v", m.err)))
	}

	b.WriteString("\n\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderParamSelection() string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("? Select parameters to stage"))
	b.WriteString("\n\n")

	for i, p := range m.params {
		checkbox := "[ ]"
		if m.selected[i] {
			checkbox = checkedStyle.Render("[✓]")
		}
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("  ▸ "))
			b.WriteString(fmt.Sprintf("%s %s", checkbox, selectedStyle.Render(fmt.Sprintf("%-22s", p.Key))))
		} else {
			b.WriteString("    ")
			b.WriteString(fmt.Sprintf("%s %-22s", checkbox, p.Key))
		}
		b.WriteString(dimStyle.Render(p.Desc))
		b.WriteString("\n")
	}

	current := m.params[m.cursor]
	b.WriteString("\n")
	b.WriteString(valueStyle.Render("  " + current.Render(m.coreRange)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + current.Info))
	return b.String()
}

func (m Model) renderCoreRangeInput() string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("? Which cores should be isolated?"))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("  Singles, ranges and comma lists, e.g. 1-12 or 2,4-6"))
	b.WriteString("\n\n")
	b.WriteString("  > ")
	b.WriteString(m.textInput.View())
	if m.inputErr != nil {
		b.WriteString("\n\n")
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %v", m.inputErr)))
	}
	return b.String()
}

func (m Model) renderConfirmation() string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("? Stage these parameters"))
	b.WriteString("\n\n")
	b.WriteString("  ")
	b.WriteString(valueStyle.Render(m.preview()))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("  A backup of the untouched file is kept next to it."))
	b.WriteString("\n\n")

	if m.confirm == 0 {
		b.WriteString(cursorStyle.Render("  ▸ "))
		b.WriteString(selectedStyle.Render("Yes, update GRUB"))
		b.WriteString("\n")
		b.WriteString("    No, cancel")
	} else {
		b.WriteString("    Yes, update GRUB")
		b.WriteString("\n")
		b.WriteString(cursorStyle.Render("  ▸ "))
		b.WriteString(selectedStyle.Render("No, cancel"))
	}
	return b.String()
}

func (m Model) renderSuccess() string {
	var b strings.Builder
	b.WriteString(checkedStyle.Render("✓ Boot configuration updated"))
	b.WriteString("\n\n")
	b.WriteString("  ")
	b.WriteString(valueStyle.Render(m.bootLine))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("  Reboot to apply."))
	return b.String()
}

func (m Model) renderHelp() string {
	key := subtitleStyle
	sep := dimStyle.Render(" • ")

	switch m.step {
	case stepSelectParams:
		return strings.Join([]string{
			key.Render("↑/↓") + dimStyle.Render(" navigate"),
			key.Render("space") + dimStyle.Render(" toggle"),
			key.Render("enter") + dimStyle.Render(" continue"),
			key.Render("q") + dimStyle.Render(" quit"),
		}, sep)
	case stepCoreRange:
		return strings.Join([]string{
			key.Render("enter") + dimStyle.Render(" confirm"),
			key.Render("esc") + dimStyle.Render(" back"),
		}, sep)
	case stepConfirm:
		return strings.Join([]string{
			key.Render("↑/↓") + dimStyle.Render(" choose"),
			key.Render("enter") + dimStyle.Render(" select"),
			key.Render("esc") + dimStyle.Render(" back"),
		}, sep)
	default:
		return key.Render("enter") + dimStyle.Render(" quit")
	}
}

// RunKernelMenu walks the operator through parameter selection and
// stages the result through apply.
func RunKernelMenu(defaultRange string, apply ApplyFunc) error {
	model := NewModel(defaultRange, apply)
	p := tea.NewProgram(model, tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := finalModel.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
