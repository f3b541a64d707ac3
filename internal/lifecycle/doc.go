// Package lifecycle hosts an offline controller the way a browser hosts a
// background script: a Registration installs a controller version, decides when
// it takes over from the previous one and dispatches every intercepted request
// to it as a fetch event. The controller only reacts to events; it never starts
// work on its own.
package lifecycle
