// Package app contains the core application logic. It loads the pipeline
// configuration, wires the stores, builder and coordinators it describes,
// and runs one release trigger, decoupled from any specific entrypoint like
// a CLI or server.
package app
