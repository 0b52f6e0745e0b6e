// Package calc defines the contracts of the calculation engine the server
// drives: a Loader that turns a staged job definition into a job record and
// Calculators that execute jobs of a given type. It also ships the built-in
// INI definition loader and a dry-run calculator.
package calc
