package interp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/workspace"
)

// predeclared builds the capability surface for one run: the permitted
// modules, the denial stubs, and file builtins scoped to dir.
func (r *Runner) predeclared(dir string) starlark.StringDict {
	return starlark.StringDict{
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
		"time":   starlarktime.Module,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),

		"os":         osModule,
		"subprocess": subprocessModule,
		"socket":     socketModule,

		"read_file":   readFileBuiltin(dir),
		"write_file":  writeFileBuiltin(dir),
		"append_file": appendFileBuiltin(dir),
		"list_files":  listFilesBuiltin(dir),
		"remove_file": removeFileBuiltin(dir),
	}
}

// denied returns a builtin that always fails with a capability fault
// carrying the fixed denial text.
func denied(name, detail string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return nil, &replbox.Fault{Kind: replbox.FaultCapability, Detail: detail}
	})
}

// osModule stubs every process-spawning entry point of the original
// interpreter's os surface.
var osModule = func() *starlarkstruct.Module {
	members := starlark.StringDict{
		"system": denied("os.system", replbox.DeniedSystem),
		"popen":  denied("os.popen", replbox.DeniedSystem),
	}
	for _, suffix := range []string{"", "l", "le", "lp", "lpe", "v", "ve", "vp", "vpe"} {
		name := "spawn" + suffix
		members[name] = denied("os."+name, replbox.DeniedSystem)
	}
	return &starlarkstruct.Module{Name: "os", Members: members}
}()

var subprocessModule = &starlarkstruct.Module{
	Name: "subprocess",
	Members: starlark.StringDict{
		"run":             denied("subprocess.run", replbox.DeniedSystem),
		"Popen":           denied("subprocess.Popen", replbox.DeniedSystem),
		"call":            denied("subprocess.call", replbox.DeniedSystem),
		"check_call":      denied("subprocess.check_call", replbox.DeniedSystem),
		"check_output":    denied("subprocess.check_output", replbox.DeniedSystem),
		"getoutput":       denied("subprocess.getoutput", replbox.DeniedSystem),
		"getstatusoutput": denied("subprocess.getstatusoutput", replbox.DeniedSystem),
	},
}

var socketModule = &starlarkstruct.Module{
	Name: "socket",
	Members: starlark.StringDict{
		"socket":            denied("socket.socket", replbox.DeniedNetwork),
		"create_connection": denied("socket.create_connection", replbox.DeniedNetwork),
		"getaddrinfo":       denied("socket.getaddrinfo", replbox.DeniedNetwork),
		"gethostbyname":     denied("socket.gethostbyname", replbox.DeniedNetwork),
		"gethostbyaddr":     denied("socket.gethostbyaddr", replbox.DeniedNetwork),
		"gethostname":       starlark.NewBuiltin("socket.gethostname", gethostname),
	},
}

// gethostname is the one allowed socket call. The original answered a
// fixed "localhost" rather than expose the host's name.
func gethostname(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String("localhost"), nil
}

// opError rewrites a filesystem error to carry the user-supplied name
// instead of the absolute workspace path.
func opError(op, name string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %s: %v", op, name, pe.Err)
	}
	return fmt.Errorf("%s: %s: %v", op, name, err)
}

func readFileBuiltin(dir string) *starlark.Builtin {
	return starlark.NewBuiltin("read_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		p, err := workspace.Resolve(dir, name)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, opError("read_file", name, err)
		}
		return starlark.String(data), nil
	})
}

func writeFileBuiltin(dir string) *starlark.Builtin {
	return starlark.NewBuiltin("write_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "content", &content); err != nil {
			return nil, err
		}
		p, err := workspace.Resolve(dir, name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, opError("write_file", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, opError("write_file", name, err)
		}
		return starlark.None, nil
	})
}

func appendFileBuiltin(dir string) *starlark.Builtin {
	return starlark.NewBuiltin("append_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "content", &content); err != nil {
			return nil, err
		}
		p, err := workspace.Resolve(dir, name)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, opError("append_file", name, err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return nil, opError("append_file", name, err)
		}
		return starlark.None, nil
	})
}

func listFilesBuiltin(dir string) *starlark.Builtin {
	return starlark.NewBuiltin("list_files", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return starlark.NewList(nil), nil
			}
			return nil, opError("list_files", ".", err)
		}
		var elems []starlark.Value
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			elems = append(elems, starlark.String(e.Name()))
		}
		return starlark.NewList(elems), nil
	})
}

func removeFileBuiltin(dir string) *starlark.Builtin {
	return starlark.NewBuiltin("remove_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		p, err := workspace.Resolve(dir, name)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(p); err != nil {
			return nil, opError("remove_file", name, err)
		}
		return starlark.None, nil
	})
}
