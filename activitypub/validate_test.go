package activitypub

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateObject(t *testing.T) {
	tests := []struct {
		name    string
		verb    Verb
		object  string
		wantErr error
	}{
		{"create note", VerbCreate, `{"type":"Note","id":"https://a.example/notes/1","directMessage":false}`, nil},
		{"create article", VerbCreate, `{"type":"Article","id":"https://a.example/a/1"}`, nil},
		{"create question", VerbCreate, `{"type":"Question"}`, ErrUnsupportedType},
		{"create without type", VerbCreate, `{"content":"hi"}`, ErrMissingType},
		{"create bad directMessage", VerbCreate, `{"type":"Note","directMessage":"yes"}`, ErrInvalidField},
		{"create null", VerbCreate, `null`, ErrMissingObject},
		{"delete uri", VerbDelete, `"https://a.example/notes/1"`, nil},
		{"delete tombstone", VerbDelete, `{"type":"Tombstone","id":"https://a.example/notes/1"}`, nil},
		{"delete person", VerbDelete, `{"type":"Person","id":"https://a.example/users/bob"}`, nil},
		{"delete note object", VerbDelete, `{"type":"Note"}`, ErrUnsupportedType},
		{"delete not a url", VerbDelete, `"not-a-url"`, ErrInvalidURI},
		{"delete tombstone without id", VerbDelete, `{"type":"Tombstone"}`, ErrMissingID},
		{"follow uri", VerbFollow, `"https://b.example/users/alice"`, nil},
		{"follow relative", VerbFollow, `"/users/alice"`, ErrInvalidURI},
		{"like object with id", VerbLike, `{"id":"https://b.example/notes/9","type":"Note"}`, nil},
		{"announce number", VerbAnnounce, `42`, ErrMalformed},
		{"undo follow", VerbUndo, `{"type":"Follow","id":"https://a.example/f/1","actor":"https://a.example/users/bob","object":"https://b.example/users/alice"}`, nil},
		{"undo create", VerbUndo, `{"type":"Create","id":"https://a.example/c/1"}`, ErrUnsupportedType},
		{"undo follow without object", VerbUndo, `{"type":"Follow","id":"https://a.example/f/1"}`, ErrMissingObject},
		{"undo uri", VerbUndo, `"https://a.example/f/1"`, nil},
		{"undo relative", VerbUndo, `"/f/1"`, ErrInvalidURI},
		{"undo number", VerbUndo, `7`, ErrMalformed},
		{"accept uri", VerbAccept, `"https://a.example/f/1"`, nil},
		{"accept follow", VerbAccept, `{"type":"Follow","object":"https://a.example/users/bob"}`, nil},
		{"accept like", VerbAccept, `{"type":"Like","object":"https://a.example/notes/1"}`, ErrUnsupportedType},
		{"reject anything", VerbReject, `{"type":"Whatever"}`, nil},
		{"update actor", VerbUpdate, `{"type":"Person","id":"https://a.example/users/bob"}`, nil},
		{"update note bad id", VerbUpdate, `{"type":"Note","id":"nope"}`, ErrInvalidURI},
		{"unknown verb", VerbUnknown, `"https://a.example/x"`, ErrUnknownVerb},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObject(tt.verb, json.RawMessage(tt.object))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateObject() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateObject() error = %v, want %v", err, tt.wantErr)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestValidateObjectDoesNotModifyInput(t *testing.T) {
	object := json.RawMessage(`{"type":"Note","id":"https://a.example/notes/1"}`)
	before := string(object)
	if err := ValidateObject(VerbCreate, object); err != nil {
		t.Fatal(err)
	}
	if string(object) != before {
		t.Errorf("object modified: %s", object)
	}
}

func TestDecodeVariants(t *testing.T) {
	body := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://b.example/activities/1/undo",
		"type": "Undo",
		"actor": "https://b.example/users/alice",
		"to": "https://a.example/users/bob",
		"object": {
			"id": "https://b.example/activities/1",
			"type": "Follow",
			"actor": "https://b.example/users/alice",
			"object": "https://a.example/users/bob"
		}
	}`)

	act, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	undo, ok := act.(*UndoActivity)
	if !ok {
		t.Fatalf("expected *UndoActivity, got %T", act)
	}
	if len(undo.To) != 1 || undo.To[0] != "https://a.example/users/bob" {
		t.Errorf("single string audience not decoded: %v", undo.To)
	}
	follow, ok := undo.Object.Activity.(*FollowActivity)
	if !ok {
		t.Fatalf("expected embedded *FollowActivity, got %T", undo.Object.Activity)
	}
	if follow.Object != "https://a.example/users/bob" {
		t.Errorf("follow object = %q", follow.Object)
	}
	if ObjectURI(undo) != "https://b.example/activities/1" {
		t.Errorf("ObjectURI(undo) = %q", ObjectURI(undo))
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not an object", `[1,2]`, ErrMalformed},
		{"missing type", `{"id":"https://a.example/1","actor":"https://a.example/u"}`, ErrMissingType},
		{"unknown verb", `{"type":"Block","id":"https://a.example/1","actor":"https://a.example/u","object":"https://b.example/u"}`, ErrUnknownVerb},
		{"missing id", `{"type":"Follow","actor":"https://a.example/u","object":"https://b.example/u"}`, ErrMissingID},
		{"relative actor", `{"type":"Follow","id":"https://a.example/1","actor":"/u","object":"https://b.example/u"}`, ErrInvalidURI},
		{"missing object", `{"type":"Like","id":"https://a.example/1","actor":"https://a.example/u"}`, ErrMissingObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeUndoByReference(t *testing.T) {
	body := []byte(`{"id":"https://b.example/f/1/undo","type":"Undo","actor":"https://b.example/users/alice","object":"https://b.example/f/1"}`)
	act, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	undo, ok := act.(*UndoActivity)
	if !ok {
		t.Fatalf("expected *UndoActivity, got %T", act)
	}
	if undo.Object.Ref != "https://b.example/f/1" || undo.Object.Activity != nil {
		t.Errorf("object = %+v, want a reference", undo.Object)
	}
	if ObjectURI(undo) != "https://b.example/f/1" {
		t.Errorf("ObjectURI(undo) = %q", ObjectURI(undo))
	}
}

func TestDecodeRejectKeepsUnknownObject(t *testing.T) {
	body := []byte(`{"id":"https://b.example/r/1","type":"Reject","actor":"https://b.example/users/alice","object":{"type":"Mystery","x":1}}`)
	act, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	reject := act.(*RejectActivity)
	if len(reject.Object.Raw) == 0 {
		t.Fatal("expected raw object to be preserved")
	}
}
