/*
Package layer implements the content-addressed layer store and the root
filesystem assembler.

Layers are immutable tarballs addressed by their sha256 digest. Assemble
stacks an image's layers bottom-to-top into a merged read-only view and
allocates a fresh writable layer on top; conflicting paths resolve to the
topmost layer, whiteout markers (".wh.<name>") delete a path from all lower
layers. On Linux with privileges the merged view is a kernel overlayfs
mount; elsewhere the layers are materialized by copy.

Layers are shared across containers and reference-counted. Teardown
releases a container's references and reclaims its writable layer; a
reference count going negative is a programming error and panics.

Missing blobs are resolved through the external Fetcher collaborator; a
layer absent everywhere surfaces as errdefs.ErrLayerMissing, allocation
failure from a full disk as errdefs.ErrDiskExhausted.
*/
package layer
