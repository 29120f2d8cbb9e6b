// Package commands defines the proximityd CLI.
//
// Commands
//
//   - run      Run proximity engines against a simulated radio
//   - export   Print the encounter export body
//   - upload   PUT the export body to a pre-signed URL
//   - health   Print the aggregate self-check
//   - nuke     Delete every stored encounter
//   - keygen   Generate a test server key pair
//
// The root command sets up logging before any subcommand runs. Subcommands
// that touch records open the store selected by --store themselves.
package commands
