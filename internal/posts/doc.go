// Package posts is the request-layer facade over the post store and the
// scheduler: it validates input, persists posts and keeps their jobs in step
// with every create, edit and delete.
package posts
