// Package loader coordinates the manifest load for the page context: serve
// the cached envelope immediately when one is fresh and refine it in the
// background, otherwise fetch from the origin with a per-attempt timeout and
// linear retry delays, falling back to the built-in manifest once every
// attempt has failed.
package loader
