package seccomp

import (
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// seccomp_data layout: nr at 0, arch at 4, instruction pointer at 8, six
// 64-bit args from 16. Classic BPF is 32-bit, so each arg is read as a
// little-endian low/high word pair.
const (
	offNr   = 0
	offArch = 4
	offArgs = 16
)

// UnknownSyscallError reports a rule naming a syscall that no supported
// architecture knows. Misspelled names must fail compilation, not silently
// leave a hole in the filter.
type UnknownSyscallError struct {
	Name string
}

func (e *UnknownSyscallError) Error() string {
	return fmt.Sprintf("unknown syscall %q in seccomp rule", e.Name)
}

// Program is a compiled, installable seccomp filter.
type Program struct {
	insns []bpf.Instruction
}

// Instructions exposes the decision program, mainly for inspection and for
// the interpreter the tests use.
func (p *Program) Instructions() []bpf.Instruction {
	return p.insns
}

func actionRet(action specs.LinuxSeccompAction, errnoRet *uint) (uint32, error) {
	switch action {
	case specs.ActAllow:
		return unix.SECCOMP_RET_ALLOW, nil
	case specs.ActLog:
		return unix.SECCOMP_RET_LOG, nil
	case specs.ActTrap:
		return unix.SECCOMP_RET_TRAP, nil
	case specs.ActTrace:
		return unix.SECCOMP_RET_TRACE, nil
	case specs.ActKill, specs.ActKillThread:
		return unix.SECCOMP_RET_KILL_THREAD, nil
	case specs.ActKillProcess:
		return unix.SECCOMP_RET_KILL_PROCESS, nil
	case specs.ActErrno:
		errno := uint(unix.EPERM)
		if errnoRet != nil {
			errno = *errnoRet
		}
		return unix.SECCOMP_RET_ERRNO | uint32(errno&unix.SECCOMP_RET_DATA), nil
	default:
		return 0, fmt.Errorf("unsupported seccomp action %q", action)
	}
}

// Compile turns the declarative rule list into a linear decision program.
// Rules are evaluated in declaration order with first match winning;
// syscalls matching no rule fall through to the default action. Rules whose
// syscall names belong to a different supported architecture are dropped
// (multi-arch rule sets share one spec); names unknown everywhere are an
// UnknownSyscallError.
func Compile(spec *specs.LinuxSeccomp) (*Program, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil seccomp spec")
	}
	defaultRet, err := actionRet(spec.DefaultAction, spec.DefaultErrnoRet)
	if err != nil {
		return nil, fmt.Errorf("invalid default action: %w", err)
	}
	if len(spec.Architectures) > 0 {
		native := false
		for _, a := range spec.Architectures {
			if a == NativeArch {
				native = true
				break
			}
		}
		if !native {
			return nil, fmt.Errorf("seccomp profile does not cover native architecture %s", NativeArch)
		}
	}

	insns := []bpf.Instruction{
		// an unexpected architecture means the numbers below are
		// meaningless; kill rather than misinterpret
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: nativeAuditArch, SkipTrue: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
	}

	for _, rule := range spec.Syscalls {
		ret, err := actionRet(rule.Action, rule.ErrnoRet)
		if err != nil {
			return nil, err
		}
		var numbers []uint32
		for _, name := range rule.Names {
			nr, ok := syscalls[name]
			if ok {
				numbers = append(numbers, nr)
				continue
			}
			if _, elsewhere := crossArchNames[name]; elsewhere {
				// valid on another supported architecture; this
				// program will never see that number
				continue
			}
			return nil, &UnknownSyscallError{Name: name}
		}
		if len(numbers) == 0 {
			continue
		}
		block, err := compileRule(numbers, rule.Args, ret)
		if err != nil {
			return nil, err
		}
		insns = append(insns, block...)
	}

	insns = append(insns, bpf.RetConstant{Val: defaultRet})
	return &Program{insns: insns}, nil
}

// compileRule emits one rule block:
//
//	load nr
//	jeq n0 -> conds | next jeq
//	...
//	jeq nk -> conds | next block
//	<arg conditions, any mismatch -> next block>
//	ret action
//
// The accumulator is reloaded with the syscall number at block entry because
// a preceding block's argument checks leave argument words in it.
func compileRule(numbers []uint32, args []specs.LinuxSeccompArg, ret uint32) ([]bpf.Instruction, error) {
	conds, err := compileArgs(args)
	if err != nil {
		return nil, err
	}
	condLen := len(conds)

	block := []bpf.Instruction{bpf.LoadAbsolute{Off: offNr, Size: 4}}
	for i, nr := range numbers {
		j := bpf.JumpIf{Cond: bpf.JumpEqual, Val: nr}
		if i < len(numbers)-1 {
			j.SkipTrue = uint8(len(numbers) - 1 - i)
		} else {
			// last alternative: a miss skips the whole body
			j.SkipFalse = uint8(condLen + 1)
		}
		block = append(block, j)
	}
	block = append(block, conds...)
	block = append(block, bpf.RetConstant{Val: ret})
	return block, nil
}

// condInstr is a condition instruction whose fail edge (jump to the end of
// the enclosing rule block) is resolved once the block length is known.
type condInstr struct {
	ins       bpf.Instruction
	failTrue  bool
	failFalse bool
}

func compileArgs(args []specs.LinuxSeccompArg) ([]bpf.Instruction, error) {
	var raw []condInstr
	for _, arg := range args {
		snippet, err := compileArg(arg)
		if err != nil {
			return nil, err
		}
		raw = append(raw, snippet...)
	}

	out := make([]bpf.Instruction, len(raw))
	for p, ci := range raw {
		// distance from the instruction after p to the instruction
		// after the block's ret
		toFail := uint8(len(raw) - p)
		if j, ok := ci.ins.(bpf.JumpIf); ok {
			if ci.failTrue {
				j.SkipTrue = toFail
			}
			if ci.failFalse {
				j.SkipFalse = toFail
			}
			out[p] = j
			continue
		}
		out[p] = ci.ins
	}
	return out, nil
}

// compileArg emits the comparison for a single argument condition. 64-bit
// comparisons are done high word first: for the ordered operators the high
// words decide unless equal, in which case the low words break the tie.
func compileArg(arg specs.LinuxSeccompArg) ([]condInstr, error) {
	if arg.Index > 5 {
		return nil, fmt.Errorf("seccomp arg index %d out of range", arg.Index)
	}
	loOff := uint32(offArgs + 8*arg.Index)
	hiOff := loOff + 4
	lo := uint32(arg.Value)
	hi := uint32(arg.Value >> 32)

	ldLo := condInstr{ins: bpf.LoadAbsolute{Off: loOff, Size: 4}}
	ldHi := condInstr{ins: bpf.LoadAbsolute{Off: hiOff, Size: 4}}

	switch arg.Op {
	case specs.OpEqualTo:
		return []condInstr{
			ldHi,
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi}, failTrue: true},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: lo}, failTrue: true},
		}, nil

	case specs.OpNotEqual:
		return []condInstr{
			ldHi,
			// high words differ: condition already holds
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi, SkipTrue: 2}},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo}, failTrue: true},
		}, nil

	case specs.OpGreaterThan:
		return []condInstr{
			ldHi,
			{ins: bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: hi, SkipTrue: 3}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi}, failTrue: true},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: lo}, failFalse: true},
		}, nil

	case specs.OpGreaterEqual:
		return []condInstr{
			ldHi,
			{ins: bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: hi, SkipTrue: 3}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi}, failTrue: true},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: lo}, failFalse: true},
		}, nil

	case specs.OpLessThan:
		return []condInstr{
			ldHi,
			{ins: bpf.JumpIf{Cond: bpf.JumpLessThan, Val: hi, SkipTrue: 3}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi}, failTrue: true},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpLessThan, Val: lo}, failFalse: true},
		}, nil

	case specs.OpLessEqual:
		return []condInstr{
			ldHi,
			{ins: bpf.JumpIf{Cond: bpf.JumpLessThan, Val: hi, SkipTrue: 3}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi}, failTrue: true},
			ldLo,
			{ins: bpf.JumpIf{Cond: bpf.JumpLessOrEqual, Val: lo}, failFalse: true},
		}, nil

	case specs.OpMaskedEqual:
		maskLo := uint32(arg.Value)
		maskHi := uint32(arg.Value >> 32)
		wantLo := uint32(arg.ValueTwo)
		wantHi := uint32(arg.ValueTwo >> 32)
		return []condInstr{
			ldHi,
			{ins: bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: maskHi}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: wantHi}, failTrue: true},
			ldLo,
			{ins: bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: maskLo}},
			{ins: bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: wantLo}, failTrue: true},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported seccomp operator %q", arg.Op)
	}
}
