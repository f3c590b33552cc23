package reconcile

import (
	"fmt"
	"strings"
)

// Format renders a plan for humans, in the style of "terraform plan".
func Format(p *Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "  # %s %s\n\n", p.EnvKey, headline(p))

	changes := p.Changes()
	if len(changes) == 0 {
		b.WriteString("  No changes. The environment matches its target.\n")
		return b.String()
	}

	width := 0
	for _, op := range changes {
		if n := len(op.Kind); n > width {
			width = n
		}
	}
	for _, op := range changes {
		fmt.Fprintf(&b, "    %s %-*s  %s", actionSymbol(op.Action), width, op.Kind, op.Key)
		switch op.Action {
		case ActionUpdate:
			fmt.Fprintf(&b, "  (%s -> %s)", truncateHash(op.Prior.Fingerprint), truncateHash(op.Spec.Fingerprint()))
		case ActionDelete:
			if op.Prior.Handle.ID != "" {
				fmt.Fprintf(&b, "  (%s)", op.Prior.Handle.ID)
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n  %d to add, %d to change, %d to destroy.\n",
		p.Count(ActionCreate), p.Count(ActionUpdate), p.Count(ActionDelete))
	return b.String()
}

// FormatSummary returns a single-line summary of the plan.
func FormatSummary(p *Plan) string {
	return fmt.Sprintf("%s: %d to add, %d to change, %d to destroy, %d unchanged",
		p.EnvKey, p.Count(ActionCreate), p.Count(ActionUpdate), p.Count(ActionDelete), p.Count(ActionNoop))
}

func headline(p *Plan) string {
	creates, updates, deletes := p.Count(ActionCreate), p.Count(ActionUpdate), p.Count(ActionDelete)
	switch {
	case creates+updates+deletes == 0:
		return "is up to date"
	case deletes > 0 && creates+updates == 0 && p.Count(ActionNoop) == 0:
		return "will be destroyed"
	case creates > 0 && updates+deletes+p.Count(ActionNoop) == 0:
		return "will be created"
	}
	return "will be updated"
}

func actionSymbol(a Action) string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDelete:
		return "-"
	case ActionNoop:
		return " "
	default:
		return "?"
	}
}

// truncateHash shortens "sha256:abcdef..." to the prefix and the first 8
// hex characters.
func truncateHash(h string) string {
	const prefix = "sha256:"
	if strings.HasPrefix(h, prefix) {
		hex := h[len(prefix):]
		if len(hex) > 8 {
			hex = hex[:8]
		}
		return prefix + hex
	}
	if len(h) > 15 {
		return h[:15]
	}
	return h
}
