package subjects

import (
	"errors"
	"os"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

func TestBuiltin_WellKnownSubjects(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}

	if !r.IsWellKnown("raw_bytes") {
		t.Error("raw_bytes should be well-known")
	}
	if r.IsWellKnown("some_custom_subject") {
		t.Error("some_custom_subject should not be well-known")
	}

	name, err := r.SchemaName("raw_bytes")
	if err != nil {
		t.Fatalf("SchemaName: %v", err)
	}
	if name != "google.protobuf.BytesValue" {
		t.Errorf("schema name = %q, want %q", name, "google.protobuf.BytesValue")
	}
}

func TestSchemaName_UnknownSubject(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	_, err = r.SchemaName("nope")
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *RegistryError
	if !errors.As(err, &rerr) {
		t.Errorf("error %v is not a *RegistryError", err)
	}
}

func TestDescriptorSet_RebuildsType(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}

	data, err := r.DescriptorSet("google.protobuf.BytesValue")
	if err != nil {
		t.Fatalf("DescriptorSet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("descriptor set is empty")
	}

	// A consumer must be able to rebuild the type from the bytes alone.
	fds := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, fds); err != nil {
		t.Fatalf("unmarshal descriptor set: %v", err)
	}
	found := false
	for _, file := range fds.GetFile() {
		for _, msg := range file.GetMessageType() {
			if file.GetPackage()+"."+msg.GetName() == "google.protobuf.BytesValue" {
				found = true
			}
		}
	}
	if !found {
		t.Error("descriptor set does not contain google.protobuf.BytesValue")
	}
}

func TestDescriptorSet_UnknownType(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	_, err = r.DescriptorSet("acme.NoSuchType")
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *RegistryError
	if !errors.As(err, &rerr) {
		t.Errorf("error %v is not a *RegistryError", err)
	}
}

func TestAddSubjectsFile(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}

	dir := t.TempDir()
	path := dir + "/extra.yaml"
	extra := []byte("engine_rpm:\n  schema: google.protobuf.FloatValue\n")
	if err := os.WriteFile(path, extra, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := r.AddSubjectsFile(path, ""); err != nil {
		t.Fatalf("AddSubjectsFile: %v", err)
	}
	if !r.IsWellKnown("engine_rpm") {
		t.Error("engine_rpm should be well-known after merge")
	}
	name, err := r.SchemaName("engine_rpm")
	if err != nil {
		t.Fatalf("SchemaName: %v", err)
	}
	if name != "google.protobuf.FloatValue" {
		t.Errorf("schema name = %q", name)
	}
	// Built-ins survive the merge.
	if !r.IsWellKnown("raw_bytes") {
		t.Error("raw_bytes lost after merge")
	}
}
