package crystal

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// RoutinePackage is the package name every synthesized routine must declare.
const RoutinePackage = "routine"

// RoutineEntrypoint is the function the runner invokes.
const RoutineEntrypoint = "Run"

// Imports a routine may never pull in. Routines run inside an interpreter
// sandbox, but the sandbox's symbol table is broad enough that these have to
// be rejected before the code is ever loaded.
var deniedImports = []string{
	"unsafe", "syscall", "plugin", "runtime/cgo",
	"os/exec", "net", "net/http", "os/signal",
}

// Calls that make a routine non-deterministic or able to kill the host.
var deniedCalls = map[string]string{
	"os.Exit":      "routines must return an error instead of exiting the process",
	"os.RemoveAll": "routines may not delete directory trees",
	"log.Fatal":    "routines must return an error instead of aborting",
	"log.Fatalf":   "routines must return an error instead of aborting",
}

// ValidationResult contains detailed validation results for a synthesized
// routine.
type ValidationResult struct {
	Valid       bool
	ParseError  error
	Errors      []string
	Warnings    []string
	PackageName string
	Functions   []string
	Imports     []string
}

// Err flattens the result into a single error, nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.ParseError != nil {
		return fmt.Errorf("syntax error: %w", r.ParseError)
	}
	if len(r.Errors) > 0 {
		return fmt.Errorf("%s", r.Errors[0])
	}
	return fmt.Errorf("validation failed")
}

// ValidateRoutine performs AST-based validation on synthesized routine code.
// A routine must parse, declare package routine, define the Run entrypoint
// with a context parameter and an error return, and stay off the import and
// call denylists.
func ValidateRoutine(code string) *ValidationResult {
	result := &ValidationResult{
		Valid:     true,
		Errors:    []string{},
		Warnings:  []string{},
		Functions: []string{},
		Imports:   []string{},
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "routine.go", code, parser.ParseComments)
	if err != nil {
		result.Valid = false
		result.ParseError = err
		return result
	}

	result.PackageName = file.Name.Name
	if result.PackageName != RoutinePackage {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("package name %q must be %q", result.PackageName, RoutinePackage))
	}

	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		result.Imports = append(result.Imports, importPath)
	}

	for _, imp := range result.Imports {
		for _, denied := range deniedImports {
			if imp == denied || strings.HasPrefix(imp, denied+"/") {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("denied import: %s", imp))
			}
		}
	}

	hasEntrypoint := false
	hasContextParam := false
	hasErrorReturn := false

	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok {
			return true
		}
		result.Functions = append(result.Functions, fn.Name.Name)

		if fn.Name.Name == RoutineEntrypoint && fn.Recv == nil {
			hasEntrypoint = true

			if fn.Type.Params != nil {
				for _, param := range fn.Type.Params.List {
					if sel, ok := param.Type.(*ast.SelectorExpr); ok {
						if ident, ok := sel.X.(*ast.Ident); ok {
							if ident.Name == "context" && sel.Sel.Name == "Context" {
								hasContextParam = true
							}
						}
					}
				}
			}

			if fn.Type.Results != nil {
				for _, res := range fn.Type.Results.List {
					if ident, ok := res.Type.(*ast.Ident); ok && ident.Name == "error" {
						hasErrorReturn = true
					}
				}
			}
		}

		if fn.Body != nil {
			checkRoutineBody(fn.Body, result)
		}
		return true
	})

	if !hasEntrypoint {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("missing %s entrypoint", RoutineEntrypoint))
		return result
	}
	if !hasContextParam {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s must accept context.Context as its first parameter", RoutineEntrypoint))
	}
	if !hasErrorReturn {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s must return error as its last return value", RoutineEntrypoint))
	}

	return result
}

// checkRoutineBody scans a function body for denied calls and panic use.
func checkRoutineBody(body *ast.BlockStmt, result *ValidationResult) {
	hasPanic := false
	hasRecover := false

	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}

		if ident, ok := call.Fun.(*ast.Ident); ok {
			if ident.Name == "panic" {
				hasPanic = true
			}
			if ident.Name == "recover" {
				hasRecover = true
			}
		}

		if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
			if ident, ok := sel.X.(*ast.Ident); ok {
				qualified := ident.Name + "." + sel.Sel.Name
				if reason, denied := deniedCalls[qualified]; denied {
					result.Valid = false
					result.Errors = append(result.Errors,
						fmt.Sprintf("denied call %s: %s", qualified, reason))
				}
			}
		}
		return true
	})

	if hasPanic && !hasRecover {
		result.Warnings = append(result.Warnings,
			"routine contains panic() without recover()")
	}
}
