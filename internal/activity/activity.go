// Package activity parsea payloads de actividades federadas en una variante
// etiquetada por Kind, con Unknown como fallback que conserva los campos crudos.
//
// El core no interpreta el objeto de la actividad: solo necesita id, type y
// actor para firmar, deduplicar y reportar. Todo lo demás viaja como bytes.
package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/validation"
)

// Kind es el tipo de actividad conocido.
type Kind string

const (
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindFollow   Kind = "Follow"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindUndo     Kind = "Undo"
	KindLike     Kind = "Like"
	KindAnnounce Kind = "Announce"
	KindBlock    Kind = "Block"
	KindAdd      Kind = "Add"
	KindRemove   Kind = "Remove"
	KindMove     Kind = "Move"
	KindFlag     Kind = "Flag"
	KindUnknown  Kind = "Unknown"
)

var known = map[Kind]struct{}{
	KindCreate: {}, KindUpdate: {}, KindDelete: {}, KindFollow: {},
	KindAccept: {}, KindReject: {}, KindUndo: {}, KindLike: {},
	KindAnnounce: {}, KindBlock: {}, KindAdd: {}, KindRemove: {},
	KindMove: {}, KindFlag: {},
}

// ErrInvalid envuelve todos los errores de validación de frontera.
var ErrInvalid = errors.New("invalid activity")

// Activity es una actividad validada.
type Activity struct {
	Kind   Kind
	Type   string // valor crudo de "type"; igual a Kind salvo en Unknown
	ID     string
	Actor  string
	Object json.RawMessage

	To  []string
	CC  []string
	BTo []string
	BCC []string

	// Fields conserva todos los campos crudos, también en tipos conocidos.
	Fields map[string]json.RawMessage

	raw []byte
}

// Unknown reporta si la actividad no es de un tipo conocido.
func (a *Activity) Unknown() bool { return a.Kind == KindUnknown }

// Raw devuelve los bytes exactos recibidos.
func (a *Activity) Raw() []byte { return a.raw }

// Audience devuelve to+cc+bto+bcc sin duplicados, en orden de aparición.
func (a *Activity) Audience() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{a.To, a.CC, a.BTo, a.BCC} {
		for _, v := range list {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// DeliveryBody devuelve el payload a enviar: los bytes originales, o sin
// bto/bcc si estaban presentes (nunca se publican a los destinatarios).
func (a *Activity) DeliveryBody() ([]byte, error) {
	_, hasBTo := a.Fields["bto"]
	_, hasBCC := a.Fields["bcc"]
	if !hasBTo && !hasBCC {
		return a.raw, nil
	}
	stripped := make(map[string]json.RawMessage, len(a.Fields))
	for k, v := range a.Fields {
		if k == "bto" || k == "bcc" {
			continue
		}
		stripped[k] = v
	}
	return json.Marshal(stripped)
}

// Parse valida un payload JSON y lo clasifica.
func Parse(b []byte) (*Activity, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalid)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	a := &Activity{Fields: fields, raw: b}

	typ, err := stringField(fields, "type")
	if err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalid)
	}
	a.Type = typ
	if _, ok := known[Kind(typ)]; ok {
		a.Kind = Kind(typ)
	} else {
		a.Kind = KindUnknown
	}

	if a.ID, err = stringField(fields, "id"); err != nil {
		return nil, err
	}
	if a.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if a.Actor, err = refField(fields, "actor"); err != nil {
		return nil, err
	}
	if a.Actor == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrInvalid)
	}
	if !validation.ActorURI(a.Actor) {
		return nil, fmt.Errorf("%w: actor %q is not an http(s) URI", ErrInvalid, a.Actor)
	}
	a.Object = fields["object"]

	for name, dst := range map[string]*[]string{"to": &a.To, "cc": &a.CC, "bto": &a.BTo, "bcc": &a.BCC} {
		if *dst, err = refList(fields, name); err != nil {
			return nil, err
		}
	}

	// Los tipos que operan sobre otro objeto necesitan "object".
	switch a.Kind {
	case KindFollow, KindAccept, KindReject, KindUndo, KindLike, KindAnnounce, KindDelete, KindBlock:
		if len(a.Object) == 0 || string(a.Object) == "null" {
			return nil, fmt.Errorf("%w: %s without object", ErrInvalid, a.Kind)
		}
	}
	return a, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalid, name)
	}
	return strings.TrimSpace(s), nil
}

// refField acepta "https://..." o {"id":"https://..."}.
func refField(fields map[string]json.RawMessage, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", nil
	}
	ref, err := decodeRef(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return ref, nil
}

func refList(fields map[string]json.RawMessage, name string) ([]string, error) {
	v, ok := fields[name]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		// valor único en lugar de array
		ref, err := decodeRef(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
		return []string{ref}, nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		ref, err := decodeRef(it)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out, nil
}

func decodeRef(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(v, &obj); err != nil {
		return "", errors.New("expected string or object with id")
	}
	return strings.TrimSpace(obj.ID), nil
}
