//go:build linux && cgo

package worker

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef int32_t (*lb_init_fn)(uint32_t width, uint32_t height);
typedef int32_t (*lb_process_fn)(const uint8_t *commands, size_t commands_len,
                                 uint8_t *pixels, size_t pixels_len);
typedef int32_t (*lb_resize_fn)(uint32_t width, uint32_t height);
typedef void (*lb_cleanup_fn)(void);

static int32_t lb_call_init(void *fn, uint32_t w, uint32_t h) {
	return ((lb_init_fn)fn)(w, h);
}
static int32_t lb_call_process(void *fn, const uint8_t *in, size_t in_len,
                               uint8_t *out, size_t out_len) {
	return ((lb_process_fn)fn)(in, in_len, out, out_len);
}
static int32_t lb_call_resize(void *fn, uint32_t w, uint32_t h) {
	return ((lb_resize_fn)fn)(w, h);
}
static void lb_call_cleanup(void *fn) {
	((lb_cleanup_fn)fn)();
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// nativeBackend wraps the optional GL translation shared library. The
// library contract is four exported symbols: lb_renderer_init,
// lb_renderer_process_commands, lb_renderer_resize and
// lb_renderer_cleanup, all returning zero on success.
type nativeBackend struct {
	handle    unsafe.Pointer
	initFn    unsafe.Pointer
	processFn unsafe.Pointer
	resizeFn  unsafe.Pointer
	cleanupFn unsafe.Pointer

	width  int
	height int
}

func loadNative(path string, width, height int) (Backend, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	handle := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, C.GoString(C.dlerror()))
	}

	b := &nativeBackend{handle: handle, width: width, height: height}
	for _, sym := range []struct {
		name string
		dst  *unsafe.Pointer
	}{
		{"lb_renderer_init", &b.initFn},
		{"lb_renderer_process_commands", &b.processFn},
		{"lb_renderer_resize", &b.resizeFn},
		{"lb_renderer_cleanup", &b.cleanupFn},
	} {
		cSym := C.CString(sym.name)
		ptr := C.dlsym(handle, cSym)
		C.free(unsafe.Pointer(cSym))
		if ptr == nil {
			C.dlclose(handle)
			return nil, fmt.Errorf("dlsym %s: %s", sym.name, C.GoString(C.dlerror()))
		}
		*sym.dst = ptr
	}

	if rc := C.lb_call_init(b.initFn, C.uint32_t(width), C.uint32_t(height)); rc != 0 {
		C.dlclose(handle)
		return nil, fmt.Errorf("lb_renderer_init returned %d", int32(rc))
	}
	return b, nil
}

func (b *nativeBackend) Name() string { return "native" }

func (b *nativeBackend) ProcessCommands(commands []byte, frameNumber uint64, rotation int) ([]byte, error) {
	w, h := b.width, b.height
	if rotation == 90 || rotation == 270 {
		w, h = h, w
	}
	pixels := make([]byte, w*h*4)

	var in *C.uint8_t
	if len(commands) > 0 {
		in = (*C.uint8_t)(unsafe.Pointer(&commands[0]))
	}
	rc := C.lb_call_process(b.processFn,
		in, C.size_t(len(commands)),
		(*C.uint8_t)(unsafe.Pointer(&pixels[0])), C.size_t(len(pixels)))
	if rc != 0 {
		return nil, fmt.Errorf("lb_renderer_process_commands returned %d", int32(rc))
	}
	return pixels, nil
}

func (b *nativeBackend) Resize(width, height int) error {
	if rc := C.lb_call_resize(b.resizeFn, C.uint32_t(width), C.uint32_t(height)); rc != 0 {
		return fmt.Errorf("lb_renderer_resize returned %d", int32(rc))
	}
	b.width = width
	b.height = height
	return nil
}

func (b *nativeBackend) Cleanup() {
	if b.handle != nil {
		C.lb_call_cleanup(b.cleanupFn)
		C.dlclose(b.handle)
		b.handle = nil
	}
}
