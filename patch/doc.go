// Package patch loads hot patches into a running program.
//
// A payload names the host types, functions and fields it uses. The host
// registers those symbols with a Host, together with the patch points
// (Point) a patch may redirect. A Manager links payloads against the
// host, builds a virtual machine for each one and switches the patch
// points to interpreted methods until the patch is unloaded. A Store
// archives payloads in SQLite so they can be restored after a restart.
package patch
