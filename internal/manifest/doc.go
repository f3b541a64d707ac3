// Package manifest builds the precache list consumed by the offline controller
// and implements the build-time injector that writes hashed asset paths from a
// Vite build manifest into the deployed controller script.
package manifest
