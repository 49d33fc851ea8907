// Package docs provides generated OpenAPI documentation.
//
// Inkwell API
//
//	@title			Inkwell API
//	@version		1.0
//	@description	Coloring book API for managing books, pages, and background export and generation jobs.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/inkwellhq/inkwell
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/inkwell/serve.go -o ./swagger --parseDependency --parseInternal
