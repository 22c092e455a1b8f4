package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonPermissionDenied
	ReasonNoDevice
	ReasonDeviceBusy
	ReasonUnsupported
)

func (r Reason) String() string {
	switch r {
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonNoDevice:
		return "no_device"
	case ReasonDeviceBusy:
		return "device_busy"
	case ReasonUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// DeviceError устройство недоступно; Remediation подсказывает пользователю, что делать
type DeviceError struct {
	Reason Reason
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return "scan device: " + e.Reason.String()
	}
	return fmt.Sprintf("scan device: %s: %v", e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Remediation() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Permiso de cámara denegado. Conceda el acceso al dispositivo y vuelva a intentarlo."
	case ReasonNoDevice:
		return "No se encontró ninguna cámara. Verifique que el dispositivo esté conectado."
	case ReasonDeviceBusy:
		return "La cámara está siendo usada por otra aplicación. Ciérrela y vuelva a intentarlo."
	case ReasonUnsupported:
		return "La cámara no cumple con los requisitos. Intente con otro dispositivo."
	}
	return "Error al acceder a la cámara."
}

// AsDeviceError классифицирует ошибку открытия устройства
func AsDeviceError(err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	r := ReasonUnknown
	switch {
	case errors.Is(err, fs.ErrPermission):
		r = ReasonPermissionDenied
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		r = ReasonNoDevice
	case errors.Is(err, syscall.EBUSY):
		r = ReasonDeviceBusy
	case errors.Is(err, syscall.ENOTTY), errors.Is(err, syscall.EINVAL):
		r = ReasonUnsupported
	}
	return &DeviceError{Reason: r, Err: err}
}
