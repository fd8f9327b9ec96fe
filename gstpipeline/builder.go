package gstpipeline

import (
	"fmt"

	"inferbridge/frame"
)

const SENSORS_DCC_ISP_PATH string = "/opt/imaging"

type Sensor string

const (
	IMX219 Sensor = "imx219"
	IMX390 Sensor = "imx390"
)

func CsiCameraSetup(sensor Sensor, index uint, width uint, height uint) string {
	var fullName string
	switch sensor {
	case IMX219:
		fullName = fmt.Sprintf("imx219 %s", csiSubdevAddress(index))
	case IMX390:
		fullName = fmt.Sprintf("ds90ub960 %s", csiSubdevAddress(index))
	}
	return fmt.Sprintf("media-ctl -d %d --set-v4l2 '\"%s\":0[fmt:SRGGB8_1X8/%dx%d]'",
		index, fullName, width, height)
}

func csiSubdevAddress(index uint) string {
	if index == 1 {
		return "4-0010"
	}
	return "6-0010"
}

func GStreamerLaunch() string {
	return "gst-launch-1.0"
}

func videoDevice(index uint) string {
	switch index {
	case 0:
		return "/dev/video2"
	case 1:
		return "/dev/video18"
	}
	return fmt.Sprintf("/dev/video%d", index)
}

func CsiCameraV4l2Source(index uint) string {
	return fmt.Sprintf(" v4l2src device=%s", videoDevice(index))
}

func CsiCameraConfig(index uint, sensor Sensor, width uint, height uint) string {
	sensorName := "SENSOR_SONY_IMX219_RPI"
	formatMsb := 7
	if sensor == IMX390 {
		sensorName = "IMX390-UB953_D3"
		formatMsb = 11
	}
	subdev := "/dev/v4l-subdev2"
	if index == 1 {
		subdev = "/dev/v4l-subdev5"
	}
	return fmt.Sprintf(" ! video/x-bayer, width=%d, height=%d, format=rggb ! tiovxisp sink_0::device=%s sensor-name=%s dcc-isp-file=%s/%s/dcc_viss.bin sink_0::dcc-2a-file=%s/%s/dcc_2a.bin format-msb=%d",
		width, height, subdev, sensorName, SENSORS_DCC_ISP_PATH, sensor, SENSORS_DCC_ISP_PATH, sensor, formatMsb)
}

func UsbJpegCameraV4l2Source(index uint) string {
	return fmt.Sprintf(" v4l2src device=%s io-mode=2", videoDevice(index))
}

func UsbJpegCameraConfig(width uint, height uint) string {
	return fmt.Sprintf(" ! image/jpeg, width=%d, height=%d", width, height)
}

func VideoTestSource(width uint, height uint) string {
	return fmt.Sprintf(" videotestsrc is-live=true ! video/x-raw, width=%d, height=%d",
		width, height)
}

func JpegDecode() string {
	return " ! jpegdec"
}

func VideoScale(width uint, height uint) string {
	return fmt.Sprintf(" ! videoscale method=0 add-borders=false ! video/x-raw, width=%d, height=%d",
		width, height)
}

func TiOvxMultiscaler(width uint, height uint) string {
	return fmt.Sprintf(" ! tiovxmultiscaler ! video/x-raw, width=%d, height=%d",
		width, height)
}

// RawFormat maps a pixel format to its GStreamer video/x-raw name.
func RawFormat(format frame.PixelFormat) (string, error) {
	switch format {
	case frame.Gray:
		return "GRAY8", nil
	case frame.RGB:
		return "RGB", nil
	case frame.BGR:
		return "BGR", nil
	case frame.RGBA:
		return "RGBA", nil
	case frame.BGRA:
		return "BGRA", nil
	}
	return "", fmt.Errorf("no raw video format for %s", format)
}

func VideoConvert(rawFormat string) string {
	return fmt.Sprintf(" ! videoconvert ! video/x-raw, format=%s", rawFormat)
}

func TcpClientSink(host string, port uint) string {
	return fmt.Sprintf(" ! tcpclientsink host=%s port=%d", host, port)
}
