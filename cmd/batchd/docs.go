package main

// General API documentation for swaggo. Regenerate ./docs with
// `swag init -g cmd/batchd/docs.go` and build with -tags=swagger to serve it.
//
// @title           batchd API
// @version         1.0
// @description     Dynamic-batching text generation service with a TTL result cache.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
