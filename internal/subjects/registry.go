// Package subjects maps well-known subjects to protobuf schema type names
// and produces the file-descriptor-set bytes a recording embeds for each
// schema. A built-in registry ships with the binary; deployments can layer
// extra subjects (YAML) and compiled descriptor sets on top.
package subjects

import (
	_ "embed"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	// Link the well-known types the built-in subjects refer to, so their
	// descriptors are present in the global registry.
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"

	"gopkg.in/yaml.v3"
)

//go:embed subjects.yaml
var builtinSubjects []byte

// Entry describes one well-known subject.
type Entry struct {
	Schema      string `yaml:"schema"`
	Description string `yaml:"description,omitempty"`
}

// RegistryError reports a failed subject or type lookup. Recoverable when
// hit during recording: the sample falls back to a self-describing schema
// or is dropped, depending on the stage.
type RegistryError struct {
	Op   string
	Name string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("subjects: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Registry resolves subjects to schema type names and type names to
// descriptor-set bytes. Not safe for concurrent mutation; build it fully
// before sharing.
type Registry struct {
	entries map[string]Entry
	extra   []*protoregistry.Files
}

// Builtin returns a registry holding only the embedded subjects.
func Builtin() (*Registry, error) {
	r := &Registry{entries: map[string]Entry{}}
	if err := yaml.Unmarshal(builtinSubjects, &r.entries); err != nil {
		return nil, fmt.Errorf("parse built-in subjects: %w", err)
	}
	return r, nil
}

// AddSubjectsFile merges subject entries from a YAML file. When
// descriptorSetPath is non-empty, the compiled FileDescriptorSet at that
// path is loaded so the new subjects' types resolve.
func (r *Registry) AddSubjectsFile(subjectsPath, descriptorSetPath string) error {
	data, err := os.ReadFile(subjectsPath)
	if err != nil {
		return fmt.Errorf("read subjects file: %w", err)
	}
	extra := map[string]Entry{}
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return fmt.Errorf("parse subjects file %s: %w", subjectsPath, err)
	}
	for subject, entry := range extra {
		r.entries[subject] = entry
	}
	if descriptorSetPath == "" {
		return nil
	}
	raw, err := os.ReadFile(descriptorSetPath)
	if err != nil {
		return fmt.Errorf("read descriptor set: %w", err)
	}
	fds := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(raw, fds); err != nil {
		return fmt.Errorf("parse descriptor set %s: %w", descriptorSetPath, err)
	}
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return fmt.Errorf("build descriptor pool from %s: %w", descriptorSetPath, err)
	}
	r.extra = append(r.extra, files)
	return nil
}

// IsWellKnown reports whether subject has a registered schema.
func (r *Registry) IsWellKnown(subject string) bool {
	_, ok := r.entries[subject]
	return ok
}

// SchemaName returns the protobuf type name registered for subject.
func (r *Registry) SchemaName(subject string) (string, error) {
	entry, ok := r.entries[subject]
	if !ok {
		return "", &RegistryError{Op: "schema name for subject", Name: subject, Err: protoregistry.NotFound}
	}
	return entry.Schema, nil
}

// DescriptorSet assembles the serialized FileDescriptorSet covering
// typeName and all of its transitive imports, suitable for embedding as a
// protobuf schema in a recording.
func (r *Registry) DescriptorSet(typeName string) ([]byte, error) {
	md, err := r.findMessage(protoreflect.FullName(typeName))
	if err != nil {
		return nil, err
	}
	fds := assembleFileDescriptorSet(md.ParentFile())
	data, err := proto.Marshal(fds)
	if err != nil {
		return nil, &RegistryError{Op: "marshal descriptor set for", Name: typeName, Err: err}
	}
	return data, nil
}

func (r *Registry) findMessage(name protoreflect.FullName) (protoreflect.MessageDescriptor, error) {
	// Extra pools shadow the global registry.
	for _, files := range r.extra {
		desc, err := files.FindDescriptorByName(name)
		if err == nil {
			if md, ok := desc.(protoreflect.MessageDescriptor); ok {
				return md, nil
			}
		}
	}
	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(name)
	if err != nil {
		return nil, &RegistryError{Op: "find type", Name: string(name), Err: err}
	}
	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, &RegistryError{Op: "find type", Name: string(name), Err: fmt.Errorf("not a message descriptor")}
	}
	return md, nil
}

// assembleFileDescriptorSet flattens fd and its transitive imports,
// dependencies first, so consumers can rebuild the type without any other
// inputs.
func assembleFileDescriptorSet(fd protoreflect.FileDescriptor) *descriptorpb.FileDescriptorSet {
	fds := &descriptorpb.FileDescriptorSet{}
	seen := map[string]bool{}
	var add func(protoreflect.FileDescriptor)
	add = func(f protoreflect.FileDescriptor) {
		if seen[f.Path()] {
			return
		}
		seen[f.Path()] = true
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			add(imports.Get(i).FileDescriptor)
		}
		fds.File = append(fds.File, protodesc.ToFileDescriptorProto(f))
	}
	add(fd)
	return fds
}
