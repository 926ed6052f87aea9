package activitypub

import (
	"bytes"
	"encoding/json"
	"net/url"
)

// maxEmbedDepth bounds how deep Undo/Accept/Reject objects are decoded.
const maxEmbedDepth = 2

var (
	createObjectTypes = map[string]bool{"Note": true, "Article": true}
	actorTypes        = map[string]bool{"Person": true, "Service": true, "Application": true, "Group": true, "Organization": true}
	deleteObjectTypes = map[string]bool{"Tombstone": true, "Person": true}
	undoableTypes     = map[string]bool{"Follow": true, "Like": true, "Announce": true}
)

// Decode validates a wire activity and returns its per-verb variant.
// Every failure is a *ValidationError.
func Decode(body []byte) (Activity, error) {
	return decodeActivity(body, 0)
}

// Validate checks an already built activity by running it through the same
// path inbound payloads take.
func Validate(a Activity) error {
	body, err := json.Marshal(a)
	if err != nil {
		return invalid(a.Verb(), "", ErrMalformed, err.Error())
	}
	_, err = Decode(body)
	return err
}

// ValidateObject checks the object of an activity with the given verb. It
// never modifies its input.
func ValidateObject(verb Verb, object json.RawMessage) error {
	if isNull(object) {
		return invalid(verb, "object", ErrMissingObject, "")
	}

	switch verb {
	case VerbCreate:
		return validateCreate(object)
	case VerbUpdate:
		return validateUpdate(object)
	case VerbDelete:
		return validateDelete(object)
	case VerbFollow, VerbLike, VerbAnnounce:
		return validateReference(verb, object)
	case VerbUndo:
		return validateUndo(object)
	case VerbAccept:
		return validateAccept(object)
	case VerbReject:
		return nil
	}
	return invalid(verb, "type", ErrUnknownVerb, verb.String())
}

func validateCreate(object json.RawMessage) error {
	fields, ok := asObject(object)
	if !ok {
		return invalid(VerbCreate, "object", ErrMalformed, "object must be embedded")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return invalid(VerbCreate, "object.type", ErrMissingType, "")
	}
	if !createObjectTypes[typ] {
		return invalid(VerbCreate, "object.type", ErrUnsupportedType, typ)
	}
	if dm, present := fields["directMessage"]; present && !isBool(dm) {
		return invalid(VerbCreate, "object.directMessage", ErrInvalidField, "must be boolean")
	}
	return nil
}

func validateUpdate(object json.RawMessage) error {
	fields, ok := asObject(object)
	if !ok {
		return invalid(VerbUpdate, "object", ErrMalformed, "object must be embedded")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return invalid(VerbUpdate, "object.type", ErrMissingType, "")
	}
	if !createObjectTypes[typ] && !actorTypes[typ] {
		return invalid(VerbUpdate, "object.type", ErrUnsupportedType, typ)
	}
	id, ok := stringField(fields, "id")
	if !ok {
		return invalid(VerbUpdate, "object.id", ErrMissingID, "")
	}
	if !isAbsoluteURI(id) {
		return invalid(VerbUpdate, "object.id", ErrInvalidURI, id)
	}
	return nil
}

func validateDelete(object json.RawMessage) error {
	if s, ok := asString(object); ok {
		if !isAbsoluteURI(s) {
			return invalid(VerbDelete, "object", ErrInvalidURI, s)
		}
		return nil
	}
	fields, ok := asObject(object)
	if !ok {
		return invalid(VerbDelete, "object", ErrMalformed, "must be a URI or an object")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return invalid(VerbDelete, "object.type", ErrMissingType, "")
	}
	if !deleteObjectTypes[typ] {
		return invalid(VerbDelete, "object.type", ErrUnsupportedType, typ)
	}
	id, ok := stringField(fields, "id")
	if !ok {
		return invalid(VerbDelete, "object.id", ErrMissingID, "")
	}
	if !isAbsoluteURI(id) {
		return invalid(VerbDelete, "object.id", ErrInvalidURI, id)
	}
	return nil
}

// validateReference accepts a URI or an embedded object carrying one as id.
func validateReference(verb Verb, object json.RawMessage) error {
	ref, ok := referenceOf(object)
	if !ok {
		return invalid(verb, "object", ErrMalformed, "must be a URI or an object with an id")
	}
	if !isAbsoluteURI(ref) {
		return invalid(verb, "object", ErrInvalidURI, ref)
	}
	return nil
}

// validateUndo accepts the id of the undone activity or the activity itself.
func validateUndo(object json.RawMessage) error {
	if s, ok := asString(object); ok {
		if !isAbsoluteURI(s) {
			return invalid(VerbUndo, "object", ErrInvalidURI, s)
		}
		return nil
	}
	fields, ok := asObject(object)
	if !ok {
		return invalid(VerbUndo, "object", ErrMalformed, "must be a URI or an activity")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return invalid(VerbUndo, "object.type", ErrMissingType, "")
	}
	if !undoableTypes[typ] {
		return invalid(VerbUndo, "object.type", ErrUnsupportedType, typ)
	}
	inner, ok := fields["object"]
	if !ok || isNull(inner) {
		return invalid(VerbUndo, "object.object", ErrMissingObject, "")
	}
	ref, ok := referenceOf(inner)
	if !ok || !isAbsoluteURI(ref) {
		return invalid(VerbUndo, "object.object", ErrInvalidURI, string(inner))
	}
	return nil
}

func validateAccept(object json.RawMessage) error {
	if s, ok := asString(object); ok {
		if !isAbsoluteURI(s) {
			return invalid(VerbAccept, "object", ErrInvalidURI, s)
		}
		return nil
	}
	fields, ok := asObject(object)
	if !ok {
		return invalid(VerbAccept, "object", ErrMalformed, "must be a URI or an object")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return invalid(VerbAccept, "object.type", ErrMissingType, "")
	}
	if typ != "Follow" {
		return invalid(VerbAccept, "object.type", ErrUnsupportedType, typ)
	}
	return validateReference(VerbAccept, fields["object"])
}

func decodeActivity(data []byte, depth int) (Activity, error) {
	fields, ok := asObject(data)
	if !ok {
		return nil, invalid(VerbUnknown, "", ErrMalformed, "activity must be a JSON object")
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return nil, invalid(VerbUnknown, "type", ErrMissingType, "")
	}
	verb, err := ParseVerb(typ)
	if err != nil {
		return nil, invalid(VerbUnknown, "type", ErrUnknownVerb, typ)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid(verb, "", ErrMalformed, err.Error())
	}
	if depth == 0 {
		if env.ID == "" {
			return nil, invalid(verb, "id", ErrMissingID, "")
		}
		if !isAbsoluteURI(env.ID) {
			return nil, invalid(verb, "id", ErrInvalidURI, env.ID)
		}
		if !isAbsoluteURI(env.Actor) {
			return nil, invalid(verb, "actor", ErrInvalidURI, env.Actor)
		}
	}

	object := fields["object"]
	if err := ValidateObject(verb, object); err != nil {
		return nil, err
	}

	switch verb {
	case VerbCreate:
		act := &CreateActivity{Envelope: env}
		if err := json.Unmarshal(object, &act.Object); err != nil {
			return nil, invalid(verb, "object", ErrMalformed, err.Error())
		}
		return act, nil
	case VerbUpdate:
		act := &UpdateActivity{Envelope: env}
		if err := json.Unmarshal(object, &act.Object); err != nil {
			return nil, invalid(verb, "object", ErrMalformed, err.Error())
		}
		return act, nil
	case VerbDelete:
		act := &DeleteActivity{Envelope: env}
		if err := json.Unmarshal(object, &act.Object); err != nil {
			return nil, invalid(verb, "object", ErrMalformed, err.Error())
		}
		return act, nil
	case VerbFollow:
		ref, _ := referenceOf(object)
		return &FollowActivity{Envelope: env, Object: ref}, nil
	case VerbLike:
		ref, _ := referenceOf(object)
		return &LikeActivity{Envelope: env, Object: ref}, nil
	case VerbAnnounce:
		ref, _ := referenceOf(object)
		return &AnnounceActivity{Envelope: env, Object: ref}, nil
	case VerbUndo:
		inner, err := decodeEmbedded(verb, object, depth, true)
		if err != nil {
			return nil, err
		}
		return &UndoActivity{Envelope: env, Object: inner}, nil
	case VerbAccept:
		inner, err := decodeEmbedded(verb, object, depth, true)
		if err != nil {
			return nil, err
		}
		return &AcceptActivity{Envelope: env, Object: inner}, nil
	case VerbReject:
		inner, _ := decodeEmbedded(verb, object, depth, false)
		return &RejectActivity{Envelope: env, Object: inner}, nil
	}
	return nil, invalid(verb, "type", ErrUnknownVerb, typ)
}

// decodeEmbedded turns the object of Undo/Accept/Reject into an Embedded.
// With strict unset, objects that cannot be decoded are kept verbatim.
func decodeEmbedded(verb Verb, object json.RawMessage, depth int, strict bool) (Embedded, error) {
	if s, ok := asString(object); ok {
		return Embedded{Ref: s}, nil
	}
	if depth+1 > maxEmbedDepth {
		if strict {
			return Embedded{}, invalid(verb, "object", ErrMalformed, "activity nested too deeply")
		}
		return Embedded{Raw: cloneRaw(object)}, nil
	}
	inner, err := decodeActivity(object, depth+1)
	if err != nil {
		if strict {
			return Embedded{}, err
		}
		return Embedded{Raw: cloneRaw(object)}, nil
	}
	return Embedded{Activity: inner}, nil
}

func asObject(data []byte) (map[string]json.RawMessage, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func asString(data []byte) (string, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := asString(raw)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// referenceOf returns a bare URI or the id of an embedded object.
func referenceOf(data json.RawMessage) (string, bool) {
	if s, ok := asString(data); ok {
		return s, true
	}
	if fields, ok := asObject(data); ok {
		return stringField(fields, "id")
	}
	return "", false
}

func isNull(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

func isBool(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return bytes.Equal(data, []byte("true")) || bytes.Equal(data, []byte("false"))
}

func isAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func cloneRaw(data json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), data...)
}
