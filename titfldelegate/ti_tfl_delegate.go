package titfldelegate

/*
#ifndef TI_TFL_EXTERNAL_DELEGATE_H_
#define TI_TFL_EXTERNAL_DELEGATE_H_

#define _GNU_SOURCE

#include <stdio.h>
#include <stdarg.h>
#include <stdlib.h>
#include <tensorflow/lite/c/c_api.h>
#include "tensorflow/lite/c/common.h"

#cgo CFLAGS: -std=c99
#cgo CXXFLAGS: -std=c99

#define kExternalDelegateMaxOptions 256
typedef struct TfLiteExternalDelegateOptions {
  const char* lib_path;
  int count;
  const char* keys[kExternalDelegateMaxOptions];
  const char* values[kExternalDelegateMaxOptions];
  TfLiteStatus (*insert)(struct TfLiteExternalDelegateOptions* options,
                         const char* key, const char* value);
} TfLiteExternalDelegateOptions;

TfLiteStatus TfLiteExternalDelegateOptionsInsert(
    TfLiteExternalDelegateOptions* options, const char* key, const char* value);

TfLiteExternalDelegateOptions TfLiteExternalDelegateOptionsDefault(
    const char* lib_path);

TfLiteDelegate* TfLiteExternalDelegateCreate(
    const TfLiteExternalDelegateOptions* options);

void TfLiteExternalDelegateDelete(TfLiteDelegate* delegate);

// The external delegate copies its options, the strings may be freed once
// it is created.
TfLiteDelegate* TiTflDelegateCreate(const char* delegate_so, const char* artifacts_folder, const char* tidl_tools_path)
{
	TfLiteExternalDelegateOptions options = TfLiteExternalDelegateOptionsDefault(delegate_so);
	TfLiteExternalDelegateOptionsInsert(&options, "tidl_tools_path", tidl_tools_path);
	TfLiteExternalDelegateOptionsInsert(&options, "import", "no");
	TfLiteExternalDelegateOptionsInsert(&options, "artifacts_folder", artifacts_folder);
	return TfLiteExternalDelegateCreate(&options);
}

#endif  // TI_TFL_EXTERNAL_DELEGATE_H_
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/mattn/go-tflite/delegates"
)

const DefaultLibPath = "/usr/lib/libtidl_tfl_delegate.so"

// Delegate offloads TFLite graphs to the TIDL accelerator using precompiled
// artifacts.
type Delegate struct {
	once sync.Once
	d    *C.TfLiteDelegate
}

var _ delegates.Delegater = (*Delegate)(nil)

func (d *Delegate) Delete() {
	d.once.Do(func() {
		C.TfLiteExternalDelegateDelete(d.d)
	})
}

func (d *Delegate) Ptr() unsafe.Pointer {
	return unsafe.Pointer(d.d)
}

func Create(libPath string, artifactsPath string) (*Delegate, error) {
	if libPath == "" {
		libPath = DefaultLibPath
	}
	if artifactsPath == "" {
		return nil, fmt.Errorf("TIDL delegate needs an artifacts folder")
	}
	cLib := C.CString(libPath)
	defer C.free(unsafe.Pointer(cLib))
	cArtifacts := C.CString(artifactsPath)
	defer C.free(unsafe.Pointer(cArtifacts))
	cTools := C.CString("null")
	defer C.free(unsafe.Pointer(cTools))

	d := C.TiTflDelegateCreate(cLib, cArtifacts, cTools)
	if d == nil {
		return nil, fmt.Errorf("cannot create TIDL delegate from %s", libPath)
	}
	return &Delegate{d: d}, nil
}
