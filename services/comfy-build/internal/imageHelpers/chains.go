package imageHelpers

import "github.com/comfydeploy/comfy-gateway/pkg/config"

const baseImage = "python:3.11-slim-bookworm"

// comfyManagerCommit pins ComfyUI-Manager to the revision the snapshot format
// was written against.
const comfyManagerCommit = "9c86f62b912f4625fe2b929c7fc61deb9d16f6d3"

// BaseChain is the deploy-test image: gateway dependencies only, no ComfyUI,
// no models. It builds in seconds and is what the deploy-test mode flag selects.
func BaseChain() *Definition {
	return NewDefinition(baseImage).
		AptInstall("git").
		PipInstall(
			"fastapi>=0.68.0",
			"pydantic>=2.0.0",
			"uvicorn>=0.15.0",
			"python-multipart",
			"httpx",
			"tqdm",
		).
		PipInstall("git+https://github.com/modal-labs/asgiproxy.git")
}

// FullChain is the production image: everything in BaseChain plus ComfyUI,
// its custom-node snapshot, and the model install scripts.
func FullChain(cfg config.BuildConfig) *Definition {
	return BaseChain().
		Env(map[string]string{
			"CIVITAI_TOKEN": cfg.CivitaiToken,
		}).
		AptInstall("wget", "libgl1-mesa-glx", "libglib2.0-0").
		RunCommands(
			// Basic comfyui setup
			"git clone https://github.com/comfyanonymous/ComfyUI.git /comfyui",
			"cd /comfyui && pip install xformers!=0.0.18 -r requirements.txt --extra-index-url https://download.pytorch.org/whl/cu121",
			// Install comfyui manager
			"cd /comfyui/custom_nodes && git clone https://github.com/ltdrdata/ComfyUI-Manager.git",
			"cd /comfyui/custom_nodes/ComfyUI-Manager && git reset --hard "+comfyManagerCommit,
			"cd /comfyui/custom_nodes/ComfyUI-Manager && pip install -r requirements.txt",
			"cd /comfyui/custom_nodes/ComfyUI-Manager && mkdir startup-scripts",
		).
		CopyLocalFile("start.sh", "/start.sh").
		RunCommands("chmod +x /start.sh").
		// Restore the custom nodes first
		CopyLocalFile("restore_snapshot.py", "/restore_snapshot.py").
		CopyLocalFile("snapshot.json", "/comfyui/custom_nodes/ComfyUI-Manager/startup-scripts/restore-snapshot.json").
		RunCommands("python /restore_snapshot.py").
		// Then install the models
		CopyLocalFile("install_deps.py", "/install_deps.py").
		CopyLocalFile("models.json", "/models.json").
		CopyLocalFile("deps.json", "/deps.json").
		RunCommands("python /install_deps.py")
}

// SelectChain picks the image chain for the configured deploy mode.
func SelectChain(cfg config.BuildConfig) *Definition {
	if cfg.DeployTest {
		return BaseChain()
	}
	return FullChain(cfg)
}
