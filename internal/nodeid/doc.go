// internal/nodeid/doc.go

/*
Package nodeid provides the structured identifier of a stage instance.

The canonical format is the stage name, optionally followed by the target in
square brackets: `create-release`, `build[linux/amd64]`. The same string is
used in logs, in the persisted instance state and on the command line
(`--retry build[linux/amd64]`).
*/
package nodeid
