package protoreg

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Registry holds the file, service and method descriptors loaded from the
// schema's linked descriptor set files. Method lookup backs the dynamic gRPC
// transport and schema validation.
type Registry struct {
	files *protoregistry.Files
}

// NewRegistry parses one or more serialized FileDescriptorSet blobs into a
// single registry. Files appearing in more than one set are kept once, first
// occurrence wins.
func NewRegistry(sets ...[]byte) (*Registry, error) {
	merged := &descriptorpb.FileDescriptorSet{}
	seen := map[string]bool{}
	for i, raw := range sets {
		var fds descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(raw, &fds); err != nil {
			return nil, fmt.Errorf("parsing descriptor set %d: %w", i, err)
		}
		for _, f := range fds.File {
			if seen[f.GetName()] {
				continue
			}
			seen[f.GetName()] = true
			merged.File = append(merged.File, f)
		}
	}
	files, err := protodesc.NewFiles(merged)
	if err != nil {
		return nil, fmt.Errorf("building descriptor registry: %w", err)
	}
	return &Registry{files: files}, nil
}

// Method resolves a fully qualified method name. Both "pkg.Service.Method"
// and the wire form "pkg.Service/Method" are accepted.
func (r *Registry) Method(fullName string) (protoreflect.MethodDescriptor, error) {
	name := protoreflect.FullName(strings.ReplaceAll(fullName, "/", "."))
	d, err := r.files.FindDescriptorByName(name)
	if err != nil {
		return nil, fmt.Errorf("method %q not found in linked descriptor sets", fullName)
	}
	md, ok := d.(protoreflect.MethodDescriptor)
	if !ok {
		return nil, fmt.Errorf("%q is a %T, not a method", fullName, d)
	}
	return md, nil
}

// HasMethod reports whether fullName resolves to a method descriptor.
func (r *Registry) HasMethod(fullName string) bool {
	_, err := r.Method(fullName)
	return err == nil
}

// Files returns all registered file descriptors in registration order.
func (r *Registry) Files() []protoreflect.FileDescriptor {
	var fds []protoreflect.FileDescriptor
	r.files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		fds = append(fds, fd)
		return true
	})
	return fds
}
