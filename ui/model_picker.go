package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"

	"ochat/ollama"
)

// modelPicker is the model selector overlay. Typing filters the list with
// fuzzy matching.
type modelPicker struct {
	models   []ollama.ModelInfo
	filtered []ollama.ModelInfo
	selected int
	filter   textinput.Model
	loading  bool
	err      error
}

func newModelPicker() *modelPicker {
	ti := textinput.New()
	ti.Placeholder = "Filter models..."
	ti.CharLimit = 100
	ti.Focus()
	return &modelPicker{filter: ti, loading: true}
}

func (p *modelPicker) setModels(models []ollama.ModelInfo, current string) {
	p.loading = false
	p.models = models
	p.applyFilter()
	for i, m := range p.filtered {
		if m.Name == current {
			p.selected = i
			break
		}
	}
}

func (p *modelPicker) applyFilter() {
	value := strings.TrimSpace(p.filter.Value())
	if value == "" {
		p.filtered = p.models
	} else {
		targets := make([]string, len(p.models))
		for i, m := range p.models {
			targets[i] = m.Name
		}
		matches := fuzzy.Find(value, targets)
		p.filtered = make([]ollama.ModelInfo, 0, len(matches))
		for _, match := range matches {
			p.filtered = append(p.filtered, p.models[match.Index])
		}
	}
	if p.selected >= len(p.filtered) {
		p.selected = max(len(p.filtered)-1, 0)
	}
}

// Selected returns the highlighted model name, or "" when nothing matches.
func (p *modelPicker) Selected() string {
	if p.selected < 0 || p.selected >= len(p.filtered) {
		return ""
	}
	return p.filtered[p.selected].Name
}

// update handles a key and reports whether the picker closed and, if a model
// was chosen, its name.
func (p *modelPicker) update(msg tea.KeyMsg) (closed bool, chosen string, cmd tea.Cmd) {
	switch msg.String() {
	case "esc":
		return true, "", nil
	case "enter":
		return true, p.Selected(), nil
	case "up", "ctrl+k":
		if p.selected > 0 {
			p.selected--
		}
		return false, "", nil
	case "down", "ctrl+j":
		if p.selected < len(p.filtered)-1 {
			p.selected++
		}
		return false, "", nil
	}

	p.filter, cmd = p.filter.Update(msg)
	p.applyFilter()
	return false, "", cmd
}

func (p *modelPicker) view(width int) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Select Model"))
	b.WriteString("\n\n")
	b.WriteString(p.filter.View())
	b.WriteString("\n\n")

	switch {
	case p.loading:
		b.WriteString(DimStyle.Render("Loading models..."))
	case p.err != nil:
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("❌ Error: %v", p.err)))
	case len(p.filtered) == 0:
		b.WriteString(DimStyle.Render("No models match"))
	default:
		for i, m := range p.filtered {
			size := humanize.Bytes(uint64(m.Size))
			name := truncate(m.Name, width-len(size)-4)
			line := fmt.Sprintf("%s  %s", name, DimStyle.Render(size))
			if i == p.selected {
				line = SelectedStyle.Render("▶ ") + line
			} else {
				line = "  " + line
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(FormatFooter("↑/↓", "Navigate", "Enter", "Select", "Esc", "Close"))
	return b.String()
}
