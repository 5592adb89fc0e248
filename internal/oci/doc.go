// Package oci builds OCI image content in memory.
//
// The helpers here never touch a container runtime. A [Layer] is a gzipped
// tar produced deterministically from a set of [File] values: entries are
// sorted, owned by root, carry a zero modification time, and the gzip
// header has no name or timestamp. Building the same files twice yields the
// same layer digest.
//
// An [Image] bundles a layer with the config and manifest that reference
// it. [Scratch] produces an image whose root filesystem consists of the
// layer alone. [Append] extends an existing base image by one layer,
// preserving the base's layers, environment, and history.
//
//	layer, err := oci.NewLayer(oci.File{Path: "/ligmir", Mode: 0o755, Content: bin})
//	if err != nil {
//	    return err
//	}
//	img, err := oci.Scratch(oci.Config{
//	    Platform:   ocispec.Platform{OS: "linux", Architecture: "amd64"},
//	    Entrypoint: []string{"/ligmir"},
//	}, layer)
package oci
