// Package manifest models the site's navigation/content index (nav_data.json)
// and the read-only queries the page layer runs over it. Decode is the only
// way remote bytes become a Manifest: it checks the document shape before
// anything is adopted, so callers never see partially-shaped data.
package manifest
