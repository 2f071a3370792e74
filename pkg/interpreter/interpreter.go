package interpreter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"cilrun/pkg/color"
	"cilrun/pkg/metadata"
)

const defaultMaxDepth = 1000

// Engine interprets CIL method bodies against its own heap, static store and
// internal-method registry. Every piece of state is per-instance, so tests
// can construct independent engines.
type Engine struct {
	main       *metadata.Assembly
	searchDir  string
	assemblies []*metadata.Assembly

	heap      *Heap
	statics   *Statics
	internals map[string]InternalFunc
	index     *methodIndex
	synthetic map[string]*metadata.TypeDef

	out  io.Writer
	errw io.Writer
	in   *bufio.Reader

	running  bool
	trace    bool
	depth    int
	maxDepth int
	maxSteps int
	steps    int

	callStack []string
	failTrace []string
	cctorDone map[*metadata.MethodDef]bool
}

type Option func(*Engine)

// WithWriter sets the writer for managed console output.
func WithWriter(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithErrorWriter sets the writer for the CLR error banner and stack trace.
func WithErrorWriter(w io.Writer) Option {
	return func(e *Engine) { e.errw = w }
}

// WithReader sets the reader backing Console.ReadLine.
func WithReader(r io.Reader) Option {
	return func(e *Engine) { e.in = bufio.NewReader(r) }
}

// WithMaxDepth bounds the managed call depth.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithMaxSteps bounds the number of interpreted instructions (0 = unlimited).
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithTrace logs every dispatched opcode.
func WithTrace(enable bool) Option {
	return func(e *Engine) { e.trace = enable }
}

// New constructs an engine for the given main assembly. The search directory
// is where referenced assemblies are probed and must exist.
func New(main *metadata.Assembly, searchDir string, opts ...Option) (*Engine, error) {
	if main == nil {
		return nil, errors.New("nil main assembly")
	}
	info, err := os.Stat(searchDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("search directory %q does not exist", searchDir)
	}

	e := &Engine{
		main:      main,
		searchDir: searchDir,
		heap:      NewHeap(),
		statics:   NewStatics(),
		internals: make(map[string]InternalFunc),
		index:     newMethodIndex(),
		synthetic: make(map[string]*metadata.TypeDef),
		out:       os.Stdout,
		errw:      os.Stderr,
		maxDepth:  defaultMaxDepth,
		cctorDone: make(map[*metadata.MethodDef]bool),
	}
	for _, o := range opts {
		o(e)
	}
	if e.in == nil {
		e.in = bufio.NewReader(os.Stdin)
	}

	e.registerBuiltins()
	e.AddAssembly(main)
	return e, nil
}

// AddAssembly registers an already-loaded assembly with the engine and
// indexes its methods for resolution.
func (e *Engine) AddAssembly(a *metadata.Assembly) {
	for _, loaded := range e.assemblies {
		if loaded == a {
			return
		}
	}
	e.assemblies = append(e.assemblies, a)
	e.index.add(a)
}

// Register binds a canonical name to an internal-method callback.
func (e *Engine) Register(name string, fn InternalFunc) {
	e.internals[name] = fn
}

// Heap exposes the object and array stores to internal methods and tests.
func (e *Engine) Heap() *Heap {
	return e.heap
}

// Statics exposes the static-field store.
func (e *Engine) Statics() *Statics {
	return e.statics
}

// Running reports whether the engine will dispatch further opcodes.
func (e *Engine) Running() bool {
	return e.running
}

// Stop requests cooperative cancellation; the interpreter observes it
// before dispatching the next opcode and unwinds cleanly.
func (e *Engine) Stop() {
	e.running = false
}

// Start resolves and initialises all referenced assemblies, then invokes
// the entry point with args packaged as a String[] when it takes one.
func (e *Engine) Start(args []string) error {
	e.running = true
	defer func() { e.running = false }()

	if err := e.loadReferences(); err != nil {
		return e.report(err)
	}
	if err := e.runTypeInitializers(); err != nil {
		return e.report(err)
	}

	entry := e.entryPoint()
	if entry == nil {
		return e.report(&CLRError{
			Kind:    ErrEntryPointNotFound,
			Message: "assembly " + e.main.Name + " has no entry point",
		})
	}

	var params []Value
	if entry.ParamCount() == 1 {
		params = []Value{e.packArgs(args)}
	}

	log.Debug("invoking entry point", "method", entry.FullName())
	if _, err := e.invoke(entry, params); err != nil {
		return e.report(err)
	}
	return nil
}

// RunMethodInDLL invokes a named zero-argument method in any loaded assembly.
func (e *Engine) RunMethodInDLL(namespace, typ, method string) error {
	e.running = true
	defer func() { e.running = false }()

	for _, a := range e.assemblies {
		t := a.FindType(namespace, typ)
		if t == nil {
			continue
		}
		m := t.FindMethod(method)
		if m == nil {
			continue
		}
		if _, err := e.invoke(m, nil); err != nil {
			return e.report(err)
		}
		return nil
	}
	return e.report(&CLRError{
		Kind:    ErrMethodNotFound,
		Message: namespace + "." + typ + "." + method,
	})
}

func (e *Engine) entryPoint() *metadata.MethodDef {
	if e.main.EntryPoint != nil {
		return e.main.EntryPoint
	}
	for _, t := range e.main.Types {
		for _, m := range t.Methods {
			if m.Name == "Main" && m.IsStatic {
				return m
			}
		}
	}
	return nil
}

func (e *Engine) packArgs(args []string) Value {
	handle, _ := e.heap.AllocArray(len(args))
	for i, a := range args {
		_ = e.heap.ArraySet(handle, i, NewString(a))
	}
	return NewArray(handle)
}

// invoke runs one method to completion: internal methods go through the
// registry, everything else gets a fresh frame over its decoded body.
func (e *Engine) invoke(m *metadata.MethodDef, params []Value) (v Value, err error) {
	if !e.running {
		return Null(), nil
	}
	if e.depth >= e.maxDepth {
		return Value{}, internalErrorf("call stack exhausted at %s", m.FullName())
	}
	e.depth++
	e.callStack = append(e.callStack, m.FullName())
	defer func() {
		if err != nil && e.failTrace == nil {
			e.failTrace = append([]string(nil), e.callStack...)
		}
		e.depth--
		e.callStack = e.callStack[:len(e.callStack)-1]
	}()

	if m.IsInternalCall || m.IsRuntimeImpl || m.RVA == 0 {
		return e.invokeInternalMethod(m, params)
	}

	fr := newFrame(m, params)
	return e.run(fr)
}

// invokeInternalMethod bridges to a host-implemented callback. The canonical
// name of a runtime-implemented method is the declaring full name with dots
// replaced by underscores, the method name, and an "_impl" suffix; internal
// calls look up the fully-qualified name, then the bare method name.
func (e *Engine) invokeInternalMethod(m *metadata.MethodDef, params []Value) (Value, error) {
	var fn InternalFunc
	if m.IsRuntimeImpl {
		name := strings.ReplaceAll(m.Declaring.FullName(), ".", "_") + "." + m.Name + "_impl"
		fn = e.internals[name]
	} else {
		fn = e.internals[m.FullName()]
		if fn == nil {
			fn = e.internals[m.Name]
		}
	}
	if fn == nil {
		return Value{}, internalErrorf("missing internal method %s", m.FullName())
	}

	var ret Value
	if err := fn(e, params, &ret, m); err != nil {
		return Value{}, err
	}
	return ret, nil
}

// report prints the CLR error banner and the reconstructed stack trace,
// clears the running flag, and passes the error through.
func (e *Engine) report(err error) error {
	e.running = false

	var clr *CLRError
	if !errors.As(err, &clr) {
		clr = &CLRError{Kind: ErrInternal, Message: err.Error()}
	}

	fmt.Fprintln(e.errw, color.Banner(clr.Kind, e.main.Name, clr.Message))
	for i := len(e.failTrace) - 1; i >= 0; i-- {
		fmt.Fprintln(e.errw, color.StackEntry(e.failTrace[i]))
	}
	return err
}
