package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           chatloop API
// @version         1.0
// @description     HTTP API of the pipeline stage workers and the request router.
//
// @contact.name   chatloop maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
