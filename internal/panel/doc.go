// Package panel serves the browser viewer page.
//
// The page is a single HTML file with a small script that walks a viewer
// through the one-time code login and then shows the camera's MJPEG stream.
// The assets are embedded in the binary. A directory can be given instead
// to serve edited copies without rebuilding.
//
// Paths that match no asset fall back to index.html, so deep links such as
// /cam-1 still load the page.
package panel
