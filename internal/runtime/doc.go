// Package runtime manages build containers and images backed by containerd.
//
// A [Runtime] connects to a containerd daemon. Base images are pulled for a
// single target platform, unpacked into the snapshotter, and used to create
// build containers that share the host network.
//
// Each [Container] wraps a running containerd task. Commands can be
// executed inside the container and files can be copied in and out as tar
// streams. When the container is no longer needed it should be destroyed to
// release its snapshot and task resources.
//
// Images assembled outside a container (see the oci package) are written to
// the content store with [Runtime.Commit], tagged under further names with
// [Runtime.Tag], pushed with [Runtime.Push], and optionally written to an
// OCI archive with [Runtime.Export].
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "ligship")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "clux/muslrust:stable", "ligmir-build", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, "/bin/sh", "cargo --version", nil, "", nil)
//	if err != nil {
//	    return err
//	}
package runtime
