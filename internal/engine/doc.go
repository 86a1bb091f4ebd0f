// Package engine implements the transfer engine. An Engine resolves a task's
// target file, then walks the HTTP connection loop (redirects, ranged
// resume, ETag validation, server-suggested names) and streams the body to
// disk while honoring cooperative pause, cancel and shutdown requests.
package engine
