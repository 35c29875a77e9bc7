package delivery

import "github.com/dropDatabas3/hellofed/internal/validation"

// Recipient es un actor destino tal como lo resolvió el llamador.
// SharedInbox vacío significa que el servidor remoto no anuncia uno.
type Recipient struct {
	ID          string
	Inbox       string
	SharedInbox string
}

// Target es un inbox concreto y los actores que cubre.
type Target struct {
	Inbox      string
	Recipients []string
}

// Malformed es un destinatario que no puede convertirse en target.
type Malformed struct {
	Recipient Recipient
	Reason    string
}

// Plan colapsa recipients en targets: los que comparten shared inbox van en
// un único target; el resto recibe uno individual. Se recalcula en cada
// entrega porque el soporte de shared inbox del remoto puede cambiar.
// El orden de los targets sigue la primera aparición.
func Plan(recipients []Recipient) ([]Target, []Malformed) {
	var (
		targets []Target
		bad     []Malformed
		index   = make(map[string]int) // inbox -> posición en targets
		seen    = make(map[string]bool)
	)
	for _, r := range recipients {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		inbox := r.Inbox
		if r.SharedInbox != "" && validation.HTTPURL(r.SharedInbox) {
			inbox = r.SharedInbox
		}
		if !validation.HTTPURL(inbox) {
			bad = append(bad, Malformed{Recipient: r, Reason: "no valid inbox URL"})
			continue
		}
		if i, ok := index[inbox]; ok {
			if r.ID != "" {
				targets[i].Recipients = append(targets[i].Recipients, r.ID)
			}
			continue
		}
		t := Target{Inbox: inbox}
		if r.ID != "" {
			t.Recipients = []string{r.ID}
		}
		index[inbox] = len(targets)
		targets = append(targets, t)
	}
	return targets, bad
}
